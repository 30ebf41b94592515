package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/otrix/occam-agents/pkg/types"
)

// PostgresStore persists workflows and attempt records in PostgreSQL.
// Stage history and payload are stored as JSONB; the workflow row is upserted
// whole, so a Put carries the full append-only history with it.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over an existing database handle.
// Schema is managed by internal/db migrations.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Put(ctx context.Context, wf *types.Workflow) error {
	history, err := json.Marshal(wf.StageHistory)
	if err != nil {
		return fmt.Errorf("marshal stage history: %w", err)
	}
	payload, err := json.Marshal(wf.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows
			(id, entity_id, parent_workflow_id, kind, trace_id, current_stage,
			 status, stage_history, submission_key, failure_reason, payload,
			 created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			current_stage  = EXCLUDED.current_stage,
			status         = EXCLUDED.status,
			stage_history  = EXCLUDED.stage_history,
			failure_reason = EXCLUDED.failure_reason,
			payload        = EXCLUDED.payload,
			updated_at     = EXCLUDED.updated_at,
			completed_at   = EXCLUDED.completed_at`,
		wf.ID, wf.EntityID, nullString(wf.ParentWorkflowID), wf.Kind, wf.TraceID,
		string(wf.CurrentStage), string(wf.Status), history,
		nullString(wf.SubmissionKey), nullString(wf.FailureReason), payload,
		wf.CreatedAt, wf.UpdatedAt, wf.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert workflow: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*types.Workflow, error) {
	return s.getWhere(ctx, "id = $1", id)
}

func (s *PostgresStore) GetBySubmissionKey(ctx context.Context, key string) (*types.Workflow, error) {
	return s.getWhere(ctx, "submission_key = $1", key)
}

const workflowColumns = `
	id, entity_id, COALESCE(parent_workflow_id, ''), kind, trace_id,
	current_stage, status, stage_history, COALESCE(submission_key, ''),
	COALESCE(failure_reason, ''), payload, created_at, updated_at, completed_at`

func (s *PostgresStore) getWhere(ctx context.Context, where string, arg interface{}) (*types.Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE `+where, arg)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.E(types.KindNotFound, "workflow.store", "workflow not found")
	}
	return wf, err
}

func (s *PostgresStore) ListByEntity(ctx context.Context, entityID string) ([]*types.Workflow, error) {
	return s.listWhere(ctx, "entity_id = $1 ORDER BY created_at ASC", entityID)
}

func (s *PostgresStore) ListActive(ctx context.Context) ([]*types.Workflow, error) {
	return s.listWhere(ctx, "current_stage NOT IN ($1, $2) ORDER BY created_at ASC",
		string(types.StageCompleted), string(types.StageFailed))
}

func (s *PostgresStore) CountActive(ctx context.Context, entityID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM workflows
		WHERE entity_id = $1 AND current_stage NOT IN ($2, $3)`,
		entityID, string(types.StageCompleted), string(types.StageFailed),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active workflows: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) listWhere(ctx context.Context, where string, args ...interface{}) ([]*types.Workflow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflows: %w", err)
	}
	defer rows.Close()

	var out []*types.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWorkflow(row rowScanner) (*types.Workflow, error) {
	var (
		wf               types.Workflow
		stage, status    string
		history, payload []byte
	)
	if err := row.Scan(&wf.ID, &wf.EntityID, &wf.ParentWorkflowID, &wf.Kind,
		&wf.TraceID, &stage, &status, &history, &wf.SubmissionKey,
		&wf.FailureReason, &payload, &wf.CreatedAt, &wf.UpdatedAt,
		&wf.CompletedAt); err != nil {
		return nil, err
	}
	wf.CurrentStage = types.Stage(stage)
	wf.Status = types.WorkflowStatus(status)
	if len(history) > 0 {
		if err := json.Unmarshal(history, &wf.StageHistory); err != nil {
			return nil, fmt.Errorf("unmarshal stage history: %w", err)
		}
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &wf.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	return &wf, nil
}

func (s *PostgresStore) PutAttempt(ctx context.Context, rec *AttemptRecord) error {
	results, err := json.Marshal(rec.Results)
	if err != nil {
		return fmt.Errorf("marshal attempt results: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_attempts (attempt_key, workflow_id, success, results, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (attempt_key) DO NOTHING`,
		rec.Key.String(), rec.Key.WorkflowID, rec.Success, results, rec.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("insert attempt record: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAttempt(ctx context.Context, key types.AttemptKey) (*AttemptRecord, error) {
	var (
		rec     AttemptRecord
		results []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT success, results, recorded_at
		FROM workflow_attempts WHERE attempt_key = $1`,
		key.String(),
	).Scan(&rec.Success, &results, &rec.RecordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.E(types.KindNotFound, "workflow.store", "no attempt record for %s", key)
	}
	if err != nil {
		return nil, fmt.Errorf("query attempt record: %w", err)
	}
	rec.Key = key
	rec.ResultedIn = key.TargetStage
	if len(results) > 0 {
		if err := json.Unmarshal(results, &rec.Results); err != nil {
			return nil, fmt.Errorf("unmarshal attempt results: %w", err)
		}
	}
	return &rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

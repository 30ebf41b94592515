package governance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/otrix/occam-agents/pkg/types"
)

// PostgresApprovalStore persists approval requests in PostgreSQL. The
// decision transition updates a single row, so it is atomic per request.
type PostgresApprovalStore struct {
	db *sql.DB
}

// NewPostgresApprovalStore creates a store over an existing database handle.
// Schema is managed by internal/db migrations.
func NewPostgresApprovalStore(db *sql.DB) *PostgresApprovalStore {
	return &PostgresApprovalStore{db: db}
}

const approvalColumns = `
	id, workflow_id, amount, currency, threshold_reason, requested_by,
	status, requested_at, expires_at, decided_at, COALESCE(decider, ''),
	COALESCE(reason, ''), payload`

func (s *PostgresApprovalStore) Put(ctx context.Context, req *types.ApprovalRequest) error {
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return fmt.Errorf("marshal approval payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approvals
			(id, workflow_id, amount, currency, threshold_reason, requested_by,
			 status, requested_at, expires_at, decided_at, decider, reason, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		req.ID, req.WorkflowID, req.Amount, req.Currency, req.ThresholdReason,
		req.RequestedBy, string(req.Status), req.RequestedAt, req.ExpiresAt,
		req.DecidedAt, approvalNull(req.Decider), approvalNull(req.Reason), payload,
	)
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

func (s *PostgresApprovalStore) Get(ctx context.Context, id string) (*types.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE id = $1`, id)
	req, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.E(types.KindNotFound, "governance.approvals", "approval %s not found", id)
	}
	return req, err
}

func (s *PostgresApprovalStore) Update(ctx context.Context, req *types.ApprovalRequest) error {
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return fmt.Errorf("marshal approval payload: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals SET
			status = $2, decided_at = $3, decider = $4, reason = $5, payload = $6
		WHERE id = $1`,
		req.ID, string(req.Status), req.DecidedAt,
		approvalNull(req.Decider), approvalNull(req.Reason), payload,
	)
	if err != nil {
		return fmt.Errorf("update approval: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.E(types.KindNotFound, "governance.approvals", "approval %s not found", req.ID)
	}
	return nil
}

func (s *PostgresApprovalStore) ListPending(ctx context.Context) ([]*types.ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+approvalColumns+` FROM approvals
		WHERE status = $1 ORDER BY requested_at ASC`,
		string(types.ApprovalPending))
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	defer rows.Close()

	var out []*types.ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (s *PostgresApprovalStore) GetByWorkflow(ctx context.Context, workflowID string) (*types.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+approvalColumns+` FROM approvals
		WHERE workflow_id = $1 ORDER BY requested_at DESC LIMIT 1`,
		workflowID)
	req, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.E(types.KindNotFound, "governance.approvals",
			"no approval for workflow %s", workflowID)
	}
	return req, err
}

type approvalScanner interface {
	Scan(dest ...interface{}) error
}

func scanApproval(row approvalScanner) (*types.ApprovalRequest, error) {
	var (
		req     types.ApprovalRequest
		status  string
		payload []byte
	)
	if err := row.Scan(&req.ID, &req.WorkflowID, &req.Amount, &req.Currency,
		&req.ThresholdReason, &req.RequestedBy, &status, &req.RequestedAt,
		&req.ExpiresAt, &req.DecidedAt, &req.Decider, &req.Reason,
		&payload); err != nil {
		return nil, err
	}
	req.Status = types.ApprovalStatus(status)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal approval payload: %w", err)
		}
	}
	return &req, nil
}

func approvalNull(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

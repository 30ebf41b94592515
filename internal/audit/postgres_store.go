package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/otrix/occam-agents/pkg/types"
)

// PostgresStore persists audit events in PostgreSQL. Appends within one
// trace are already serialized by the Log's trace partition lock.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over an existing database handle.
// Schema is managed by internal/db migrations.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Append persists one event.
func (s *PostgresStore) Append(ctx context.Context, event *types.AuditEvent) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events
			(id, trace_id, operation_id, workflow_id, entity_id, actor, action,
			 severity, status, payload, timestamp, retention_deadline)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		event.ID, event.TraceID, nullable(event.OperationID),
		nullable(event.WorkflowID), nullable(event.EntityID),
		event.Actor, event.Action, string(event.Severity), string(event.Status),
		payload, event.Timestamp, event.RetentionDeadline,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Query returns matching events in timestamp order, event-id tie-break.
func (s *PostgresStore) Query(ctx context.Context, filter Filter) ([]*types.AuditEvent, error) {
	query := `
		SELECT id, trace_id, COALESCE(operation_id, ''), COALESCE(workflow_id, ''),
		       COALESCE(entity_id, ''), actor, action, severity, status, payload,
		       timestamp, retention_deadline
		FROM audit_events
		WHERE 1=1`
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.TraceID != "" {
		query += " AND trace_id = " + arg(filter.TraceID)
	}
	if filter.OperationID != "" {
		query += " AND operation_id = " + arg(filter.OperationID)
	}
	if filter.WorkflowID != "" {
		query += " AND workflow_id = " + arg(filter.WorkflowID)
	}
	if filter.EntityID != "" {
		query += " AND entity_id = " + arg(filter.EntityID)
	}
	if filter.Action != "" {
		query += " AND action = " + arg(filter.Action)
	}
	if !filter.Since.IsZero() {
		query += " AND timestamp >= " + arg(filter.Since)
	}
	if !filter.Until.IsZero() {
		query += " AND timestamp <= " + arg(filter.Until)
	}
	query += " ORDER BY timestamp ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []*types.AuditEvent
	for rows.Next() {
		var ev types.AuditEvent
		var severity, status string
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.TraceID, &ev.OperationID, &ev.WorkflowID,
			&ev.EntityID, &ev.Actor, &ev.Action, &severity, &status, &payload,
			&ev.Timestamp, &ev.RetentionDeadline); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		ev.Severity = types.Severity(severity)
		ev.Status = types.EventStatus(status)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal payload: %w", err)
			}
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// Prune removes only events past their retention deadline.
func (s *PostgresStore) Prune(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM audit_events WHERE retention_deadline < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("prune audit events: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Close is a no-op; the caller owns the database handle
func (s *PostgresStore) Close() error { return nil }

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

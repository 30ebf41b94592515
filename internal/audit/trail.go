package audit

import (
	"context"

	"github.com/google/uuid"

	"github.com/otrix/occam-agents/pkg/types"
)

// Trail ties multiple events under one operation ID with a
// pending -> success|failure lifecycle.
type Trail struct {
	log         *Log
	OperationID string
	TraceID     string
	Actor       string
	Action      string
	WorkflowID  string
	EntityID    string
}

// StartTrail opens an operation trail and records its pending event.
func (l *Log) StartTrail(ctx context.Context, traceID, actor, action string) (*Trail, error) {
	t := &Trail{
		log:         l,
		OperationID: "op-" + uuid.NewString(),
		TraceID:     traceID,
		Actor:       actor,
		Action:      action,
	}

	ev := types.NewAuditEvent(actor, action).
		WithTrace(traceID).
		WithStatus(types.EventPending).
		Build()
	ev.OperationID = t.OperationID

	if _, err := l.Log(ctx, ev); err != nil {
		return nil, err
	}
	// The log may have generated the trace ID.
	t.TraceID = ev.TraceID
	return t, nil
}

// ForWorkflow attaches workflow and entity correlation to subsequent steps.
func (t *Trail) ForWorkflow(workflowID, entityID string) *Trail {
	t.WorkflowID = workflowID
	t.EntityID = entityID
	return t
}

// Step records an intermediate event under the trail's operation ID.
func (t *Trail) Step(ctx context.Context, action string, payload map[string]interface{}) error {
	b := types.NewAuditEvent(t.Actor, action).
		WithTrace(t.TraceID).
		WithStatus(types.EventPending)
	for k, v := range payload {
		b.WithPayload(k, v)
	}
	ev := b.Build()
	ev.OperationID = t.OperationID
	ev.WorkflowID = t.WorkflowID
	ev.EntityID = t.EntityID

	_, err := t.log.Log(ctx, ev)
	return err
}

// Complete closes the trail with success, or failure when err is non-nil.
func (t *Trail) Complete(ctx context.Context, opErr error) error {
	b := types.NewAuditEvent(t.Actor, t.Action+".complete").
		WithTrace(t.TraceID)
	if opErr != nil {
		b.WithError(opErr)
	}
	ev := b.Build()
	ev.OperationID = t.OperationID
	ev.WorkflowID = t.WorkflowID
	ev.EntityID = t.EntityID

	_, err := t.log.Log(ctx, ev)
	return err
}

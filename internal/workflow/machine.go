// Package workflow implements the compliance workflow state machine and its
// persistence. Stage history is append-only; terminal workflows are sealed
// except for the controlled completed-to-renew re-open, which creates a new
// workflow linked to the old one.
package workflow

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/otrix/occam-agents/internal/audit"
	"github.com/otrix/occam-agents/internal/clock"
	"github.com/otrix/occam-agents/pkg/types"
)

// legalTransitions is the stage transition table. Any non-terminal stage may
// additionally transition to failed.
var legalTransitions = map[types.Stage][]types.Stage{
	types.StagePending:          {types.StageApply},
	types.StageApply:            {types.StageVerify},
	types.StageVerify:           {types.StagePay, types.StageSubmit},
	types.StagePay:              {types.StageAwaitingApproval, types.StageSubmit},
	types.StageAwaitingApproval: {types.StageSubmit},
	types.StageSubmit:           {types.StageConfirm},
	types.StageConfirm:          {types.StageArchive},
	types.StageArchive:          {types.StageCompleted},
	types.StageRenew:            {types.StageApply},
}

// CanTransition reports whether from -> to is a legal stage transition.
func CanTransition(from, to types.Stage) bool {
	if from.IsTerminal() {
		return false
	}
	if to == types.StageFailed {
		return true
	}
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NextStages returns the legal successors of a stage, failed included.
func NextStages(from types.Stage) []types.Stage {
	if from.IsTerminal() {
		return nil
	}
	next := legalTransitions[from]
	out := make([]types.Stage, 0, len(next)+1)
	out = append(out, next...)
	return append(out, types.StageFailed)
}

func statusFor(stage types.Stage) types.WorkflowStatus {
	switch stage {
	case types.StagePending:
		return types.WorkflowPending
	case types.StageAwaitingApproval:
		return types.WorkflowAwaitingApproval
	case types.StageCompleted:
		return types.WorkflowCompleted
	case types.StageFailed:
		return types.WorkflowFailed
	default:
		return types.WorkflowInProgress
	}
}

// Machine applies stage transitions against the persistent store. The
// stage-history entry and its audit event are durably written before the
// caller invokes any side-effecting agent for the new stage. The machine
// does not serialize callers; the orchestrator's per-workflow sequencer does.
type Machine struct {
	store  Store
	audit  *audit.Log
	clock  clock.Clock
	logger *zap.Logger
}

// NewMachine creates a workflow machine over the given store.
func NewMachine(store Store, auditLog *audit.Log, clk clock.Clock, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{store: store, audit: auditLog, clock: clk, logger: logger}
}

// Create persists a new workflow in the pending stage.
func (m *Machine) Create(ctx context.Context, entityID, kind, submissionKey string, payload map[string]interface{}) (*types.Workflow, error) {
	now := m.clock.Now()
	wf := &types.Workflow{
		ID:            "wf-" + uuid.New().String(),
		EntityID:      entityID,
		Kind:          kind,
		TraceID:       uuid.New().String(),
		CurrentStage:  types.StagePending,
		Status:        types.WorkflowPending,
		CreatedAt:     now,
		UpdatedAt:     now,
		SubmissionKey: submissionKey,
		Payload:       payload,
	}
	if err := m.store.Put(ctx, wf); err != nil {
		return nil, types.WrapE(types.KindIntegrity, "workflow.create", err)
	}

	ev := types.NewAuditEvent("orchestrator", "workflow.created").
		WithTrace(wf.TraceID).
		WithWorkflow(wf.ID).
		WithEntity(wf.EntityID).
		WithPayload("kind", wf.Kind).
		WithPayload("submission_key", wf.SubmissionKey).
		Build()
	if _, err := m.audit.Log(ctx, ev); err != nil {
		return nil, err
	}
	return wf, nil
}

// Transition advances a workflow to the next stage, appending the history
// entry with duration = now - entered-at of the previous stage. The entry
// and audit event are persisted before Transition returns.
func (m *Machine) Transition(ctx context.Context, workflowID string, to types.Stage, actor, failureReason string) (*types.Workflow, error) {
	wf, err := m.store.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	from := wf.CurrentStage
	if !CanTransition(from, to) {
		return nil, types.E(types.KindValidation, "workflow.transition",
			"illegal transition %s -> %s for workflow %s", from, to, workflowID)
	}

	now := m.clock.Now()
	wf.StageHistory = append(wf.StageHistory, types.StageTransition{
		From:      from,
		To:        to,
		Actor:     actor,
		Timestamp: now,
		Duration:  now.Sub(wf.EnteredCurrentStageAt()),
	})
	wf.CurrentStage = to
	wf.Status = statusFor(to)
	wf.UpdatedAt = now
	if to.IsTerminal() {
		wf.CompletedAt = &now
	}
	if to == types.StageFailed {
		wf.FailureReason = failureReason
	}

	if err := m.store.Put(ctx, wf); err != nil {
		return nil, types.WrapE(types.KindIntegrity, "workflow.transition", err)
	}

	builder := types.NewAuditEvent(actor, "workflow.transition").
		WithTrace(wf.TraceID).
		WithWorkflow(wf.ID).
		WithEntity(wf.EntityID).
		WithPayload("from", string(from)).
		WithPayload("to", string(to)).
		WithPayload("progress", wf.Progress())
	if to == types.StageFailed {
		builder = builder.
			WithStatus(types.EventFailure).
			WithSeverity(types.SeverityError).
			WithPayload("failure_reason", failureReason)
	}
	if _, err := m.audit.Log(ctx, builder.Build()); err != nil {
		return nil, err
	}

	m.logger.Info("workflow transitioned",
		zap.String("workflow_id", wf.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("actor", actor),
	)
	return wf, nil
}

// CreateRenewal re-opens a completed workflow as a fresh workflow in the
// renew stage, linked to its parent. The parent stays sealed.
func (m *Machine) CreateRenewal(ctx context.Context, parentID, actor string) (*types.Workflow, error) {
	parent, err := m.store.Get(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if parent.CurrentStage != types.StageCompleted {
		return nil, types.E(types.KindValidation, "workflow.renew",
			"workflow %s is %s, only completed workflows can be renewed", parentID, parent.CurrentStage)
	}

	now := m.clock.Now()
	wf := &types.Workflow{
		ID:               "wf-" + uuid.New().String(),
		EntityID:         parent.EntityID,
		ParentWorkflowID: parent.ID,
		Kind:             parent.Kind,
		TraceID:          uuid.New().String(),
		CurrentStage:     types.StageRenew,
		Status:           types.WorkflowInProgress,
		CreatedAt:        now,
		UpdatedAt:        now,
		Payload:          parent.Payload,
	}
	if err := m.store.Put(ctx, wf); err != nil {
		return nil, types.WrapE(types.KindIntegrity, "workflow.renew", err)
	}

	ev := types.NewAuditEvent(actor, "workflow.renewed").
		WithTrace(wf.TraceID).
		WithWorkflow(wf.ID).
		WithEntity(wf.EntityID).
		WithPayload("parent_workflow_id", parent.ID).
		Build()
	if _, err := m.audit.Log(ctx, ev); err != nil {
		return nil, err
	}
	return wf, nil
}

// Get returns a workflow by ID.
func (m *Machine) Get(ctx context.Context, workflowID string) (*types.Workflow, error) {
	return m.store.Get(ctx, workflowID)
}

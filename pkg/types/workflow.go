package types

import (
	"fmt"
	"time"
)

// Stage is one of the workflow lifecycle states.
type Stage string

const (
	StagePending           Stage = "pending"
	StageApply             Stage = "apply"
	StageVerify            Stage = "verify"
	StagePay               Stage = "pay"
	StageAwaitingApproval  Stage = "awaiting_approval"
	StageSubmit            Stage = "submit"
	StageConfirm           Stage = "confirm"
	StageArchive           Stage = "archive"
	StageRenew             Stage = "renew"
	StageCompleted         Stage = "completed"
	StageFailed            Stage = "failed"
)

// IsTerminal reports whether the stage forbids further transitions
// (except the controlled completed->renew re-open).
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed
}

// ProgressFor maps a stage to its deterministic progress percentage.
func ProgressFor(stage Stage) int {
	switch stage {
	case StagePending:
		return 5
	case StageApply:
		return 10
	case StageRenew:
		return 15
	case StageVerify:
		return 25
	case StagePay, StageAwaitingApproval:
		return 40
	case StageSubmit:
		return 60
	case StageConfirm:
		return 80
	case StageArchive:
		return 90
	case StageCompleted:
		return 100
	case StageFailed:
		return 0
	default:
		return 0
	}
}

// WorkflowStatus is the coarse status of a workflow instance
type WorkflowStatus string

const (
	WorkflowPending          WorkflowStatus = "pending"
	WorkflowInProgress       WorkflowStatus = "in_progress"
	WorkflowAwaitingApproval WorkflowStatus = "awaiting_approval"
	WorkflowFailed           WorkflowStatus = "failed"
	WorkflowCompleted        WorkflowStatus = "completed"
)

// StageTransition is one entry in a workflow's append-only stage history.
type StageTransition struct {
	From      Stage         `json:"from"`
	To        Stage         `json:"to"`
	Actor     string        `json:"actor"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
}

// Workflow is a single entity's traversal of the stage lifecycle.
type Workflow struct {
	ID                    string                 `json:"id" db:"id"`
	EntityID              string                 `json:"entity_id" db:"entity_id"`
	ParentWorkflowID      string                 `json:"parent_workflow_id,omitempty" db:"parent_workflow_id"`
	Kind                  string                 `json:"kind" db:"kind"`
	TraceID               string                 `json:"trace_id" db:"trace_id"`
	CurrentStage          Stage                  `json:"current_stage" db:"current_stage"`
	Status                WorkflowStatus         `json:"status" db:"status"`
	CreatedAt             time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time              `json:"updated_at" db:"updated_at"`
	CompletedAt           *time.Time             `json:"completed_at,omitempty" db:"completed_at"`
	StageHistory          []StageTransition      `json:"stage_history"`
	PendingActions        []ComplianceAction     `json:"pending_actions,omitempty"`
	PriorityScore         float64                `json:"priority_score" db:"priority_score"`
	EstimatedCompletionAt *time.Time             `json:"estimated_completion_at,omitempty" db:"estimated_completion_at"`
	SubmissionKey         string                 `json:"submission_key,omitempty" db:"submission_key"`
	FailureReason         string                 `json:"failure_reason,omitempty" db:"failure_reason"`
	Payload               map[string]interface{} `json:"payload,omitempty"`
}

// Progress returns the deterministic progress percentage for the current stage.
func (w *Workflow) Progress() int {
	return ProgressFor(w.CurrentStage)
}

// EnteredCurrentStageAt returns when the workflow entered its current stage.
// Falls back to CreatedAt when no transitions have been recorded.
func (w *Workflow) EnteredCurrentStageAt() time.Time {
	if n := len(w.StageHistory); n > 0 {
		return w.StageHistory[n-1].Timestamp
	}
	return w.CreatedAt
}

// ActionKind classifies a compliance action produced by one agent and
// consumed by at most one other agent.
type ActionKind string

const (
	ActionFiling          ActionKind = "filing"
	ActionPayment         ActionKind = "payment"
	ActionFormSubmission  ActionKind = "form-submission"
	ActionAccountCreation ActionKind = "account-creation"
	ActionStatusCheck     ActionKind = "status-check"
	ActionRenewal         ActionKind = "renewal"
)

// ComplianceAction is a unit of work within a workflow.
type ComplianceAction struct {
	ID             string            `json:"id"`
	WorkflowID     string            `json:"workflow_id"`
	Kind           ActionKind        `json:"kind"`
	RequiredData   map[string]string `json:"required_data,omitempty"`
	Deadline       *time.Time        `json:"deadline,omitempty"`
	IdempotencyKey string            `json:"idempotency_key"`
}

// AttemptKey is the idempotency key for one attempt to advance a workflow.
// Duplicate deliveries of the same key must yield the earlier result without
// re-invoking agents that had side effects.
type AttemptKey struct {
	WorkflowID  string
	TargetStage Stage
	Attempt     int
}

func (k AttemptKey) String() string {
	return fmt.Sprintf("%s:%s:%d", k.WorkflowID, k.TargetStage, k.Attempt)
}

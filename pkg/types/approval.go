package types

import "time"

// ApprovalStatus is the lifecycle state of an approval request.
// Exactly one terminal transition (approved, denied, or expired) is allowed.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
	ApprovalExpired  ApprovalStatus = "expired"
)

// IsTerminal reports whether the status forbids further transitions
func (s ApprovalStatus) IsTerminal() bool {
	return s != ApprovalPending
}

// ApprovalRequest asks a human decider to confirm a transaction that crossed
// the approval threshold or tripped a high-severity anomaly.
type ApprovalRequest struct {
	ID              string                 `json:"id" db:"id"`
	WorkflowID      string                 `json:"workflow_id" db:"workflow_id"`
	Amount          float64                `json:"amount" db:"amount"`
	Currency        string                 `json:"currency" db:"currency"`
	Payload         map[string]interface{} `json:"payload,omitempty"`
	ThresholdReason string                 `json:"threshold_reason" db:"threshold_reason"`
	RequestedBy     string                 `json:"requested_by" db:"requested_by"`
	RequestedAt     time.Time              `json:"requested_at" db:"requested_at"`
	ExpiresAt       time.Time              `json:"expires_at" db:"expires_at"`
	Status          ApprovalStatus         `json:"status" db:"status"`
	Decider         string                 `json:"decider,omitempty" db:"decider"`
	DecidedAt       *time.Time             `json:"decided_at,omitempty" db:"decided_at"`
	Reason          string                 `json:"reason,omitempty" db:"reason"`
}

// IsExpired reports whether the request is past its expiry at the given time
func (r *ApprovalRequest) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// ApprovalDecision carries a decider's verdict on a pending request.
type ApprovalDecision struct {
	RequestID string `json:"request_id"`
	Decider   string `json:"decider"`
	Approve   bool   `json:"approve"`
	Reason    string `json:"reason,omitempty"`

	// Token optionally authenticates the decision; when set it must verify
	// against the request ID and decider.
	Token string `json:"token,omitempty"`
}

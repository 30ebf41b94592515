package types

import "time"

// AlertKind classifies a status-engine alert
type AlertKind string

const (
	AlertRenewalWarning  AlertKind = "renewal-warning"
	AlertRenewalCritical AlertKind = "renewal-critical"
	AlertAnomaly         AlertKind = "anomaly"
	AlertSLABreach       AlertKind = "sla-breach"
	AlertExpiry          AlertKind = "expiry"
)

// Alert is a time-based notification issued by the status engine.
type Alert struct {
	ID           string                 `json:"id" db:"id"`
	EntityID     string                 `json:"entity_id" db:"entity_id"`
	LicenseID    string                 `json:"license_id,omitempty" db:"license_id"`
	Severity     Severity               `json:"severity" db:"severity"`
	Kind         AlertKind              `json:"kind" db:"kind"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
	CreatedAt    time.Time              `json:"created_at" db:"created_at"`
	DeliveredVia []string               `json:"delivered_via,omitempty"`
	Suppressed   bool                   `json:"suppressed" db:"suppressed"`
}

// RiskLevel grades an entity summary
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// ProgressSnapshot is the status engine's view of one workflow.
type ProgressSnapshot struct {
	WorkflowID            string        `json:"workflow_id"`
	Stage                 Stage         `json:"stage"`
	PercentComplete       int           `json:"percent_complete"`
	TimeInCurrentStage    time.Duration `json:"time_in_current_stage"`
	PendingActions        int           `json:"pending_actions"`
	EstimatedCompletionAt time.Time     `json:"estimated_completion_at"`
}

// EntitySummary aggregates all workflows for one entity into a risk-scored view.
type EntitySummary struct {
	EntityID         string    `json:"entity_id"`
	TotalWorkflows   int       `json:"total_workflows"`
	Active           int       `json:"active"`
	Completed        int       `json:"completed"`
	Failed           int       `json:"failed"`
	AwaitingApproval int       `json:"awaiting_approval"`
	Risk             RiskLevel `json:"risk"`
	GeneratedAt      time.Time `json:"generated_at"`
}

package types

import (
	"time"
)

// Severity grades an audit event
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// EventStatus is the outcome recorded on an audit event
type EventStatus string

const (
	EventSuccess EventStatus = "success"
	EventFailure EventStatus = "failure"
	EventWarning EventStatus = "warning"
	EventPending EventStatus = "pending"
)

// AuditEvent is a single append-only, trace-correlated audit record.
// Events are never mutated after write.
type AuditEvent struct {
	ID          string    `json:"id" db:"id"`
	TraceID     string    `json:"trace_id" db:"trace_id"`
	OperationID string    `json:"operation_id,omitempty" db:"operation_id"`
	WorkflowID  string    `json:"workflow_id,omitempty" db:"workflow_id"`
	EntityID    string    `json:"entity_id,omitempty" db:"entity_id"`
	Actor       string    `json:"actor" db:"actor"`
	Action      string    `json:"action" db:"action"`
	Severity    Severity  `json:"severity" db:"severity"`
	Status      EventStatus `json:"status" db:"status"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Timestamp   time.Time `json:"timestamp" db:"timestamp"`

	// RetentionDeadline is Timestamp plus the configured horizon. Deletion
	// before this deadline is forbidden.
	RetentionDeadline time.Time `json:"retention_deadline" db:"retention_deadline"`
}

// AuditEventBuilder provides a fluent interface for building audit events
type AuditEventBuilder struct {
	event *AuditEvent
}

// NewAuditEvent creates a builder for an event with the given actor and action.
func NewAuditEvent(actor, action string) *AuditEventBuilder {
	return &AuditEventBuilder{
		event: &AuditEvent{
			Actor:    actor,
			Action:   action,
			Severity: SeverityInfo,
			Status:   EventSuccess,
			Payload:  make(map[string]interface{}),
		},
	}
}

// WithTrace sets the trace correlation ID
func (b *AuditEventBuilder) WithTrace(traceID string) *AuditEventBuilder {
	b.event.TraceID = traceID
	return b
}

// WithWorkflow sets the workflow ID
func (b *AuditEventBuilder) WithWorkflow(workflowID string) *AuditEventBuilder {
	b.event.WorkflowID = workflowID
	return b
}

// WithEntity sets the entity ID
func (b *AuditEventBuilder) WithEntity(entityID string) *AuditEventBuilder {
	b.event.EntityID = entityID
	return b
}

// WithSeverity sets the severity grade
func (b *AuditEventBuilder) WithSeverity(sev Severity) *AuditEventBuilder {
	b.event.Severity = sev
	return b
}

// WithStatus sets the outcome status
func (b *AuditEventBuilder) WithStatus(status EventStatus) *AuditEventBuilder {
	b.event.Status = status
	return b
}

// WithPayload adds a payload key-value pair
func (b *AuditEventBuilder) WithPayload(key string, value interface{}) *AuditEventBuilder {
	b.event.Payload[key] = value
	return b
}

// WithError records the error kind and message and marks the event failed.
// Only the error string is recorded; callers must never place credential
// plaintext in error messages.
func (b *AuditEventBuilder) WithError(err error) *AuditEventBuilder {
	b.event.Status = EventFailure
	if b.event.Severity == SeverityInfo {
		b.event.Severity = SeverityError
	}
	b.event.Payload["error"] = err.Error()
	b.event.Payload["error_kind"] = string(KindOf(err))
	return b
}

// Build returns the constructed audit event
func (b *AuditEventBuilder) Build() *AuditEvent {
	return b.event
}

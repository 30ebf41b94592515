package db

// Table names as constants so store queries cannot drift from the migrations.
const (
	TableEntities         = "entities"
	TableLicenses         = "licenses"
	TableRegulatoryRules  = "regulatory_rules"
	TableWorkflows        = "workflows"
	TableWorkflowAttempts = "workflow_attempts"
	TableCredentials      = "credentials"
	TableAuditEvents      = "audit_events"
	TableApprovals        = "approvals"
	TableAlerts           = "alerts"
)

// Common column names shared across collections.
const (
	ColID        = "id"
	ColEntityID  = "entity_id"
	ColCreatedAt = "created_at"
	ColUpdatedAt = "updated_at"
	ColPayload   = "payload"
)

// Workflow columns.
const (
	ColParentWorkflowID = "parent_workflow_id"
	ColKind             = "kind"
	ColTraceID          = "trace_id"
	ColCurrentStage     = "current_stage"
	ColStatus           = "status"
	ColCompletedAt      = "completed_at"
	ColStageHistory     = "stage_history"
	ColSubmissionKey    = "submission_key"
	ColFailureReason    = "failure_reason"
)

// Attempt columns; the key is workflow:stage:attempt.
const (
	ColAttemptKey = "attempt_key"
	ColSuccess    = "success"
	ColResults    = "results"
	ColRecordedAt = "recorded_at"
)

// Credential columns. Only ciphertext and envelope metadata are stored;
// plaintext never reaches the database.
const (
	ColScope        = "scope"
	ColNonce        = "nonce"
	ColCiphertext   = "ciphertext"
	ColTag          = "tag"
	ColKeyVersion   = "key_version"
	ColExpiresAt    = "expires_at"
	ColLastUsedAt   = "last_used_at"
	ColUsageCount   = "usage_count"
	ColStrength     = "strength"
	ColOwningEntity = "owning_entity"
	ColSupersededBy = "superseded_by"
)

// Audit columns.
const (
	ColOperationID       = "operation_id"
	ColWorkflowID        = "workflow_id"
	ColActor             = "actor"
	ColAction            = "action"
	ColSeverity          = "severity"
	ColTimestamp         = "timestamp"
	ColRetentionDeadline = "retention_deadline"
)

// Approval columns.
const (
	ColAmount      = "amount"
	ColCurrency    = "currency"
	ColRequestedAt = "requested_at"
	ColDecidedAt   = "decided_at"
	ColDecider     = "decider"
	ColReason      = "reason"
)

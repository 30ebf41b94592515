package types

import (
	"context"
	"time"
)

// AgentStatus is the registry-visible lifecycle state of an agent
type AgentStatus string

const (
	AgentActive       AgentStatus = "active"
	AgentInactive     AgentStatus = "inactive"
	AgentError        AgentStatus = "error"
	AgentInitializing AgentStatus = "initializing"
)

// Capabilities declares what an agent supports. The orchestrator reads
// EstimatedLatencyMs to size per-stage deadlines and CanParallelize to run
// same-dependency-level agents concurrently.
type Capabilities struct {
	SupportsContextChaining bool  `json:"supports_context_chaining"`
	SupportsZeroDrift       bool  `json:"supports_zero_drift"`
	RequiresOntology        bool  `json:"requires_ontology"`
	RequiresFactBox         bool  `json:"requires_factbox"`
	CanParallelize          bool  `json:"can_parallelize"`
	EstimatedLatencyMs      int64 `json:"estimated_latency_ms"`
}

// RetryPolicy declares how the orchestrator retries an agent's transient failures.
type RetryPolicy struct {
	MaxRetries int `json:"max_retries"`
}

// AgentManifest is the registration record for one agent.
type AgentManifest struct {
	ID           string       `json:"id"`
	Type         string       `json:"type"`
	Version      string       `json:"version"`
	Stages       []Stage      `json:"stages"`
	Capabilities Capabilities `json:"capabilities"`

	// Dependencies lists agent IDs that must complete successfully before
	// this agent runs within a stage. Registration refuses unknown IDs.
	Dependencies []string    `json:"dependencies,omitempty"`
	Retry        RetryPolicy `json:"retry"`

	// FieldMappings holds declarative field-name mapping rules for agents
	// that fill forms; the core never uses runtime introspection.
	FieldMappings map[string]string `json:"field_mappings,omitempty"`
}

// Validate checks required manifest fields
func (m *AgentManifest) Validate() error {
	if m.ID == "" {
		return E(KindValidation, "manifest.validate", "agent ID is required")
	}
	if m.Type == "" {
		return E(KindValidation, "manifest.validate", "agent type is required")
	}
	if len(m.Stages) == 0 {
		return E(KindValidation, "manifest.validate", "agent must declare at least one stage")
	}
	return nil
}

// HandlesStage reports whether the manifest declares the given stage
func (m AgentManifest) HandlesStage(stage Stage) bool {
	for _, s := range m.Stages {
		if s == stage {
			return true
		}
	}
	return false
}

// FactReader is the FactBox handle exposed to agents.
type FactReader interface {
	GetEntity(ctx context.Context, entityID string) (*Entity, error)
	GetLicensesByEntity(ctx context.Context, entityID string) ([]*License, error)
	VerifyKYC(ctx context.Context, entityID string) (bool, error)
	GetRegulatoryRules(ctx context.Context, regulation, jurisdiction string) ([]*RegulatoryRule, error)
}

// CredentialStore is the Secure Vault handle exposed to agents.
type CredentialStore interface {
	Store(ctx context.Context, scope string, kind CredentialKind, plaintext []byte, expiresAt *time.Time) (string, error)
	Get(ctx context.Context, credentialID string) ([]byte, error)
}

// ExecutionContext carries everything an agent needs for one invocation.
type ExecutionContext struct {
	WorkflowID string
	EntityID   string
	TraceID    string

	// Ontology is an immutable snapshot of domain vocabulary for this run.
	Ontology map[string]interface{}

	Facts       FactReader
	Credentials CredentialStore

	// PriorResults holds completed agent outputs from earlier in this stage,
	// keyed by agent ID.
	PriorResults map[string]*ExecutionResult

	// ChecksumSeed makes agent output deterministic when set.
	ChecksumSeed int64

	// IdempotencyKey stays fixed across retries of the same attempt so agents
	// with external side effects can dedupe.
	IdempotencyKey string

	Payload map[string]interface{}
}

// ExecutionResult is the single result returned per agent invocation.
type ExecutionResult struct {
	AgentID    string                 `json:"agent_id"`
	Success    bool                   `json:"success"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Confidence float64                `json:"confidence"`
	Warnings   []string               `json:"warnings,omitempty"`
	Errors     []string               `json:"errors,omitempty"`
	Latency    time.Duration          `json:"latency"`
}

// Agent is the uniform capability contract every agent implements.
// Agents are stateless actors; the invocation boundary is synchronous.
type Agent interface {
	Manifest() AgentManifest
	Execute(ctx context.Context, stage Stage, ec *ExecutionContext) (*ExecutionResult, error)
}

// Compensator is implemented by agents that can undo a prior side effect
// when a later agent in the same stage fails.
type Compensator interface {
	Compensate(ctx context.Context, ec *ExecutionContext, prior *ExecutionResult) error
}

// AgentHealth is the registry's rolling execution record for one agent.
type AgentHealth struct {
	TotalExecutions      int64   `json:"total_executions"`
	SuccessfulExecutions int64   `json:"successful_executions"`
	FailedExecutions     int64   `json:"failed_executions"`
	AvgLatencyMs         float64 `json:"avg_latency_ms"`
}

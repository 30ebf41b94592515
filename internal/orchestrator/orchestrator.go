// Package orchestrator drives compliance workflows to completion. It owns a
// bounded worker pool, serializes all state mutations per workflow, gates
// monetary stages through governance, and retries transient agent failures
// with exponential backoff.
package orchestrator

import (
	"context"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/otrix/occam-agents/internal/audit"
	"github.com/otrix/occam-agents/internal/clock"
	"github.com/otrix/occam-agents/internal/factbox"
	"github.com/otrix/occam-agents/internal/governance"
	"github.com/otrix/occam-agents/internal/metrics"
	"github.com/otrix/occam-agents/internal/registry"
	"github.com/otrix/occam-agents/internal/vault"
	"github.com/otrix/occam-agents/internal/workflow"
	"github.com/otrix/occam-agents/pkg/types"
)

// Config configures the orchestrator.
type Config struct {
	// WorkerPoolSize bounds concurrent workflow execution.
	WorkerPoolSize int `yaml:"worker_pool_size"`
	QueueSize      int `yaml:"queue_size"`

	// MaxRetries is the default retry budget for agents that do not declare
	// their own.
	MaxRetries int           `yaml:"max_retries"`
	RetryBase  time.Duration `yaml:"retry_base"`
	RetryCap   time.Duration `yaml:"retry_cap"`

	// StageDeadlineMultiplier scales an agent's estimated latency into the
	// per-stage deadline, bounded by MaxStageDeadline.
	StageDeadlineMultiplier int           `yaml:"stage_deadline_multiplier"`
	MaxStageDeadline        time.Duration `yaml:"max_stage_deadline"`
}

// DefaultConfig returns orchestrator defaults.
func DefaultConfig() Config {
	return Config{
		WorkerPoolSize:          runtime.NumCPU() * 2,
		QueueSize:               256,
		MaxRetries:              3,
		RetryBase:               250 * time.Millisecond,
		RetryCap:                30 * time.Second,
		StageDeadlineMultiplier: 5,
		MaxStageDeadline:        2 * time.Minute,
	}
}

// Validate checks config invariants.
func (c Config) Validate() error {
	if c.WorkerPoolSize <= 0 {
		return types.E(types.KindValidation, "orchestrator.config", "worker_pool_size must be positive")
	}
	if c.MaxRetries < 0 {
		return types.E(types.KindValidation, "orchestrator.config", "max_retries must not be negative")
	}
	if c.RetryBase < 0 || c.RetryCap < c.RetryBase {
		return types.E(types.KindValidation, "orchestrator.config", "retry_cap must be at least retry_base")
	}
	return nil
}

// Request is one external compliance request.
type Request struct {
	EntityID      string                 `json:"entity_id"`
	Kind          string                 `json:"kind"`
	SubmissionKey string                 `json:"submission_key"`
	Amount        float64                `json:"amount,omitempty"`
	Currency      string                 `json:"currency,omitempty"`
	RequestedBy   string                 `json:"requested_by"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
}

// Orchestrator is the workflow engine.
type Orchestrator struct {
	cfg      Config
	machine  *workflow.Machine
	store    workflow.Store
	registry *registry.Registry
	gov      *governance.Governance
	facts    *factbox.FactBox
	vault    *vault.Vault
	audit    *audit.Log
	clock    clock.Clock
	metrics  *metrics.Metrics
	logger   *zap.Logger

	// Ontology is the immutable domain vocabulary snapshot handed to agents.
	ontology map[string]interface{}

	mu      sync.Mutex
	seqs    map[string]*sync.Mutex
	cancels map[string]context.CancelFunc

	jobs    chan string
	wg      sync.WaitGroup
	baseCtx context.Context
	stop    context.CancelFunc
	started bool
}

// New creates an orchestrator.
func New(
	cfg Config,
	store workflow.Store,
	reg *registry.Registry,
	gov *governance.Governance,
	facts *factbox.FactBox,
	credVault *vault.Vault,
	auditLog *audit.Log,
	clk clock.Clock,
	m *metrics.Metrics,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if m == nil {
		m = metrics.Nop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		cfg:      cfg,
		machine:  workflow.NewMachine(store, auditLog, clk, logger),
		store:    store,
		registry: reg,
		gov:      gov,
		facts:    facts,
		vault:    credVault,
		audit:    auditLog,
		clock:    clk,
		metrics:  m,
		logger:   logger,
		seqs:     make(map[string]*sync.Mutex),
		cancels:  make(map[string]context.CancelFunc),
		jobs:     make(chan string, cfg.QueueSize),
	}
	facts.SetWorkflowCounter(store)
	return o, nil
}

// SetOntology installs the domain vocabulary snapshot handed to agents.
func (o *Orchestrator) SetOntology(ontology map[string]interface{}) {
	o.ontology = ontology
}

// Start launches the worker pool.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.baseCtx, o.stop = context.WithCancel(ctx)
	o.started = true
	o.mu.Unlock()

	for i := 0; i < o.cfg.WorkerPoolSize; i++ {
		o.wg.Add(1)
		go o.worker()
	}
	o.logger.Info("orchestrator started", zap.Int("workers", o.cfg.WorkerPoolSize))
}

// Stop drains the pool and waits for in-flight workflows to suspend.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	stop := o.stop
	o.mu.Unlock()

	stop()
	o.wg.Wait()
	o.logger.Info("orchestrator stopped")
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for {
		select {
		case <-o.baseCtx.Done():
			return
		case id := <-o.jobs:
			o.metrics.SetQueueDepth(len(o.jobs))
			o.process(id)
		}
	}
}

// SubmitRequest accepts a compliance request and drives the resulting
// workflow. Resubmitting the same submission key returns the existing
// workflow without creating a duplicate.
func (o *Orchestrator) SubmitRequest(ctx context.Context, req *Request) (*types.Workflow, error) {
	if req.EntityID == "" {
		return nil, types.E(types.KindValidation, "orchestrator.submit", "entity ID is required")
	}
	if req.Kind == "" {
		return nil, types.E(types.KindValidation, "orchestrator.submit", "request kind is required")
	}
	if _, err := o.facts.GetEntity(ctx, req.EntityID); err != nil {
		return nil, err
	}

	if req.SubmissionKey != "" {
		if existing, err := o.store.GetBySubmissionKey(ctx, req.SubmissionKey); err == nil {
			ev := types.NewAuditEvent(req.RequestedBy, "request.deduplicated").
				WithTrace(existing.TraceID).
				WithWorkflow(existing.ID).
				WithEntity(existing.EntityID).
				WithPayload("submission_key", req.SubmissionKey).
				Build()
			if _, err := o.audit.Log(ctx, ev); err != nil {
				return nil, err
			}
			return existing, nil
		}
	}

	payload := make(map[string]interface{}, len(req.Payload)+2)
	for k, v := range req.Payload {
		payload[k] = v
	}
	if req.Amount > 0 {
		payload["amount"] = req.Amount
		payload["currency"] = req.Currency
	}
	if req.RequestedBy != "" {
		payload["requested_by"] = req.RequestedBy
	}

	wf, err := o.machine.Create(ctx, req.EntityID, req.Kind, req.SubmissionKey, payload)
	if err != nil {
		return nil, err
	}

	o.dispatch(wf.ID)
	return o.machine.Get(ctx, wf.ID)
}

// Resume re-enqueues a workflow, typically after an approval decision or a
// renewal trigger.
func (o *Orchestrator) Resume(workflowID string) {
	o.dispatch(workflowID)
}

// dispatch hands a workflow to the pool. When the pool is not running the
// workflow is driven on the caller's goroutine, which keeps single-process
// embedding and tests synchronous.
func (o *Orchestrator) dispatch(id string) {
	o.mu.Lock()
	started := o.started
	o.mu.Unlock()

	if !started {
		o.process(id)
		return
	}
	select {
	case o.jobs <- id:
		o.metrics.SetQueueDepth(len(o.jobs))
	default:
		// Queue full; drive on a fresh goroutine rather than dropping.
		go o.process(id)
	}
}

// sequencer returns the per-workflow mutex, creating it on first use.
func (o *Orchestrator) sequencer(id string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	seq, ok := o.seqs[id]
	if !ok {
		seq = &sync.Mutex{}
		o.seqs[id] = seq
	}
	return seq
}

func (o *Orchestrator) registerCancel(id string, cancel context.CancelFunc) {
	o.mu.Lock()
	o.cancels[id] = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) unregisterCancel(id string) {
	o.mu.Lock()
	delete(o.cancels, id)
	o.mu.Unlock()
}

// Cancel aborts a workflow. An in-flight agent execution is interrupted and
// its outcome recorded as indeterminate; an idle workflow fails immediately.
func (o *Orchestrator) Cancel(ctx context.Context, workflowID string) error {
	o.mu.Lock()
	cancel, running := o.cancels[workflowID]
	o.mu.Unlock()

	if running {
		cancel()
		return nil
	}

	wf, err := o.machine.Get(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.CurrentStage.IsTerminal() {
		return types.E(types.KindValidation, "orchestrator.cancel", "workflow %s is already %s", workflowID, wf.CurrentStage)
	}
	return o.fail(ctx, wf, "cancelled", "operator")
}

// DecideApproval applies a decision to a pending approval request and, on
// approval, resumes the suspended workflow toward submit. Denial and expiry
// fail the workflow.
func (o *Orchestrator) DecideApproval(ctx context.Context, decision *types.ApprovalDecision) (*types.ApprovalRequest, error) {
	req, err := o.gov.ProcessApproval(ctx, decision)
	if err != nil {
		return nil, err
	}
	o.metrics.RecordApprovalDecision(string(req.Status))

	o.dispatch(req.WorkflowID)
	return req, nil
}

// GetWorkflow returns a workflow by ID.
func (o *Orchestrator) GetWorkflow(ctx context.Context, id string) (*types.Workflow, error) {
	return o.machine.Get(ctx, id)
}

// GetEntityStatus returns the composed compliance snapshot for an entity.
func (o *Orchestrator) GetEntityStatus(ctx context.Context, entityID string) (*types.EntityStatus, error) {
	return o.facts.GetEntityStatus(ctx, entityID)
}

// QueryAudit runs a filtered audit query.
func (o *Orchestrator) QueryAudit(ctx context.Context, filter audit.Filter) ([]*types.AuditEvent, error) {
	return o.audit.Query(ctx, filter)
}

// GetApproval returns an approval request by ID.
func (o *Orchestrator) GetApproval(ctx context.Context, id string) (*types.ApprovalRequest, error) {
	return o.gov.GetApproval(ctx, id)
}

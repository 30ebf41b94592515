package orchestrator

import (
	"context"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otrix/occam-agents/internal/audit"
	"github.com/otrix/occam-agents/internal/clock"
	"github.com/otrix/occam-agents/internal/factbox"
	"github.com/otrix/occam-agents/internal/governance"
	"github.com/otrix/occam-agents/internal/registry"
	"github.com/otrix/occam-agents/internal/vault"
	"github.com/otrix/occam-agents/internal/workflow"
	"github.com/otrix/occam-agents/pkg/types"
)

// testAgent is a scriptable agent: it can fail a set number of times,
// block until cancelled, and record every execution in a shared journal.
type testAgent struct {
	manifest types.AgentManifest

	mu         sync.Mutex
	executions int
	failures   int  // fail this many executions before succeeding
	permanent  bool // fail with a non-retryable error
	block      chan struct{}
	started    chan struct{}

	journal *journal

	compensated int
	compensable bool
	sideEffects []string
}

type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(id string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, id)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func (a *testAgent) Manifest() types.AgentManifest { return a.manifest }

func (a *testAgent) Execute(ctx context.Context, stage types.Stage, ec *types.ExecutionContext) (*types.ExecutionResult, error) {
	a.mu.Lock()
	a.executions++
	n := a.executions
	failures := a.failures
	permanent := a.permanent
	block := a.block
	started := a.started
	a.mu.Unlock()

	if a.journal != nil {
		a.journal.add(a.manifest.ID)
	}
	if started != nil {
		close(started)
		a.mu.Lock()
		a.started = nil
		a.mu.Unlock()
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if n <= failures {
		if permanent {
			return nil, types.E(types.KindValidation, "agent.execute", "permanent failure")
		}
		return nil, types.E(types.KindTransient, "agent.execute", "transient failure %d", n)
	}

	a.mu.Lock()
	a.sideEffects = append(a.sideEffects, ec.IdempotencyKey)
	a.mu.Unlock()
	return &types.ExecutionResult{Success: true, Confidence: 0.95}, nil
}

func (a *testAgent) Compensate(ctx context.Context, ec *types.ExecutionContext, prior *types.ExecutionResult) error {
	if !a.compensable {
		return types.E(types.KindTransient, "agent.compensate", "compensation unavailable")
	}
	a.mu.Lock()
	a.compensated++
	a.mu.Unlock()
	return nil
}

func (a *testAgent) execCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.executions
}

// plainAgent strips the compensator so the agent leaves residue on failure.
type plainAgent struct {
	inner *testAgent
}

func (p *plainAgent) Manifest() types.AgentManifest { return p.inner.Manifest() }

func (p *plainAgent) Execute(ctx context.Context, stage types.Stage, ec *types.ExecutionContext) (*types.ExecutionResult, error) {
	return p.inner.Execute(ctx, stage, ec)
}

func newStageAgent(id string, stages []types.Stage, j *journal, deps ...string) *testAgent {
	return &testAgent{
		manifest: types.AgentManifest{
			ID:           id,
			Type:         "test",
			Version:      "1.0.0",
			Stages:       stages,
			Dependencies: deps,
		},
		journal:     j,
		compensable: true,
	}
}

type testEnv struct {
	orch  *Orchestrator
	gov   *governance.Governance
	facts *factbox.FactBox
	log   *audit.Log
	clk   *clock.Manual
	reg   *registry.Registry
	store *workflow.MemoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	log, err := audit.New(audit.NewMemoryStore(), clk, audit.DefaultConfig(), nil)
	require.NoError(t, err)

	facts, err := factbox.New(factbox.NewMemoryStore(), factbox.NewCache(factbox.DefaultCacheConfig(), clk, nil), log, clk, nil)
	require.NoError(t, err)
	require.NoError(t, facts.SaveEntity(context.Background(), &types.Entity{
		ID:           "ent-1",
		Name:         "Acme Trading Ltd",
		Type:         "company",
		Jurisdiction: "UK",
		KYCStatus:    types.KYCVerified,
	}))

	masterKey := make([]byte, 32)
	_, err = rand.Read(masterKey)
	require.NoError(t, err)
	v, err := vault.New(masterKey, vault.NewMemoryStore(), log, clk, vault.DefaultPasswordPolicy(), nil)
	require.NoError(t, err)

	gov, err := governance.New(governance.DefaultConfig(), governance.NewMemoryApprovalStore(), log, clk, nil)
	require.NoError(t, err)

	reg := registry.New(registry.DefaultConfig(), nil)
	store := workflow.NewMemoryStore()

	cfg := DefaultConfig()
	cfg.RetryBase = 0 // manual clock fires zero-delay timers immediately
	orch, err := New(cfg, store, reg, gov, facts, v, log, clk, nil, nil)
	require.NoError(t, err)

	return &testEnv{orch: orch, gov: gov, facts: facts, log: log, clk: clk, reg: reg, store: store}
}

func (e *testEnv) registerPipeline(t *testing.T, j *journal) map[string]*testAgent {
	t.Helper()
	agents := map[string]*testAgent{
		"compliance":  newStageAgent("compliance", []types.Stage{types.StageApply, types.StageVerify}, j),
		"consultancy": newStageAgent("consultancy", []types.Stage{types.StageApply}, j, "compliance"),
		"payment":     newStageAgent("payment", []types.Stage{types.StagePay}, j),
		"form":        newStageAgent("form", []types.Stage{types.StageSubmit}, j, "compliance"),
		"status":      newStageAgent("status", []types.Stage{types.StageConfirm}, j),
	}
	for _, id := range []string{"compliance", "consultancy", "payment", "form", "status"} {
		require.NoError(t, e.reg.Register(agents[id]))
	}
	return agents
}

func TestHappyPathRunsToCompletion(t *testing.T) {
	env := newTestEnv(t)
	j := &journal{}
	env.registerPipeline(t, j)
	ctx := context.Background()

	wf, err := env.orch.SubmitRequest(ctx, &Request{
		EntityID:      "ent-1",
		Kind:          "license-application",
		SubmissionKey: "sub-1",
		RequestedBy:   "caller",
	})
	require.NoError(t, err)
	assert.Equal(t, types.StageCompleted, wf.CurrentStage)
	assert.Equal(t, types.WorkflowCompleted, wf.Status)
	assert.Equal(t, 100, wf.Progress())

	// Non-monetary requests skip pay entirely.
	for _, tr := range wf.StageHistory {
		assert.NotEqual(t, types.StagePay, tr.To)
	}

	// Dependency order within apply: compliance before consultancy.
	entries := j.list()
	compliance, consultancy := -1, -1
	for i, id := range entries {
		if id == "compliance" && compliance == -1 {
			compliance = i
		}
		if id == "consultancy" {
			consultancy = i
		}
	}
	require.GreaterOrEqual(t, compliance, 0)
	require.Greater(t, consultancy, compliance)

	// Every event shares the workflow's trace and arrives in order.
	events, err := env.log.Query(ctx, audit.Filter{TraceID: wf.TraceID})
	require.NoError(t, err)
	require.NotEmpty(t, events)
	for i := 1; i < len(events); i++ {
		assert.False(t, events[i].Timestamp.Before(events[i-1].Timestamp))
		assert.Equal(t, wf.TraceID, events[i].TraceID)
	}
}

func TestResubmissionIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	j := &journal{}
	agents := env.registerPipeline(t, j)
	ctx := context.Background()

	req := &Request{EntityID: "ent-1", Kind: "license-application", SubmissionKey: "sub-1"}
	first, err := env.orch.SubmitRequest(ctx, req)
	require.NoError(t, err)

	executions := agents["compliance"].execCount()

	second, err := env.orch.SubmitRequest(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, executions, agents["compliance"].execCount())

	events, err := env.log.Query(ctx, audit.Filter{Action: "request.deduplicated"})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestResumeExecutesPersistedUnexecutedStage(t *testing.T) {
	env := newTestEnv(t)
	j := &journal{}
	agents := env.registerPipeline(t, j)
	ctx := context.Background()

	// A previous run committed the submit transition durably and then died
	// before invoking the stage's agents: no attempt record exists.
	wf, err := env.orch.machine.Create(ctx, "ent-1", "license-application", "sub-1", nil)
	require.NoError(t, err)
	for _, stage := range []types.Stage{types.StageApply, types.StageVerify, types.StageSubmit} {
		_, err = env.orch.machine.Transition(ctx, wf.ID, stage, "orchestrator", "")
		require.NoError(t, err)
	}

	env.orch.Resume(wf.ID)

	wf, err = env.orch.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StageCompleted, wf.CurrentStage)

	// The submit-stage agent ran exactly once and its attempt is recorded.
	assert.Equal(t, 1, agents["form"].execCount())
	rec, err := env.store.GetAttempt(ctx, types.AttemptKey{
		WorkflowID: wf.ID, TargetStage: types.StageSubmit, Attempt: 0,
	})
	require.NoError(t, err)
	assert.True(t, rec.Success)
}

func TestMonetaryWorkflowAwaitsApprovalThenSubmits(t *testing.T) {
	env := newTestEnv(t)
	j := &journal{}
	agents := env.registerPipeline(t, j)
	ctx := context.Background()

	wf, err := env.orch.SubmitRequest(ctx, &Request{
		EntityID:      "ent-1",
		Kind:          "license-filing",
		SubmissionKey: "sub-1",
		Amount:        6000,
		Currency:      "EUR",
	})
	require.NoError(t, err)
	assert.Equal(t, types.StageAwaitingApproval, wf.CurrentStage)
	assert.Equal(t, types.WorkflowAwaitingApproval, wf.Status)

	// The payment agent never ran while suspended.
	assert.Equal(t, 0, agents["payment"].execCount())

	req, err := env.gov.ApprovalForWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalPending, req.Status)
	assert.Equal(t, env.clk.Now().Add(24*time.Hour), req.ExpiresAt)

	_, err = env.orch.DecideApproval(ctx, &types.ApprovalDecision{
		RequestID: req.ID, Decider: "ops", Approve: true,
	})
	require.NoError(t, err)

	wf, err = env.orch.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StageCompleted, wf.CurrentStage)

	// The approved spend counts against the daily total like a direct payment.
	assert.Equal(t, 6000.0, env.gov.DailyTotal())
}

func TestApprovalDenialFailsWorkflow(t *testing.T) {
	env := newTestEnv(t)
	env.registerPipeline(t, &journal{})
	ctx := context.Background()

	wf, err := env.orch.SubmitRequest(ctx, &Request{
		EntityID: "ent-1", Kind: "license-filing", SubmissionKey: "sub-1",
		Amount: 6000, Currency: "EUR",
	})
	require.NoError(t, err)
	require.Equal(t, types.StageAwaitingApproval, wf.CurrentStage)

	req, err := env.gov.ApprovalForWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	_, err = env.orch.DecideApproval(ctx, &types.ApprovalDecision{
		RequestID: req.ID, Decider: "ops", Approve: false, Reason: "budget freeze",
	})
	require.NoError(t, err)

	wf, err = env.orch.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StageFailed, wf.CurrentStage)
	assert.Equal(t, "approval_denied", wf.FailureReason)
}

func TestBlockedTransactionFailsWorkflow(t *testing.T) {
	env := newTestEnv(t)
	env.registerPipeline(t, &journal{})
	ctx := context.Background()

	wf, err := env.orch.SubmitRequest(ctx, &Request{
		EntityID: "ent-1", Kind: "license-filing", SubmissionKey: "sub-1",
		Amount: 20000, Currency: "EUR",
	})
	require.NoError(t, err)
	assert.Equal(t, types.StageFailed, wf.CurrentStage)
	assert.Contains(t, wf.FailureReason, "policy_violation")
	assert.Equal(t, 0.0, env.gov.DailyTotal())
}

func TestSmallPaymentPassesGateAndCommits(t *testing.T) {
	env := newTestEnv(t)
	env.registerPipeline(t, &journal{})
	ctx := context.Background()

	wf, err := env.orch.SubmitRequest(ctx, &Request{
		EntityID: "ent-1", Kind: "license-filing", SubmissionKey: "sub-1",
		Amount: 150, Currency: "EUR",
	})
	require.NoError(t, err)
	assert.Equal(t, types.StageCompleted, wf.CurrentStage)
	assert.Equal(t, 150.0, env.gov.DailyTotal())
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	env := newTestEnv(t)
	j := &journal{}
	agents := env.registerPipeline(t, j)
	agents["form"].failures = 2
	ctx := context.Background()

	wf, err := env.orch.SubmitRequest(ctx, &Request{
		EntityID: "ent-1", Kind: "license-application", SubmissionKey: "sub-1",
	})
	require.NoError(t, err)
	assert.Equal(t, types.StageCompleted, wf.CurrentStage)
	assert.Equal(t, 3, agents["form"].execCount())

	// The idempotency key stayed fixed across retries.
	require.Len(t, agents["form"].sideEffects, 1)

	retries, err := env.log.Query(ctx, audit.Filter{TraceID: wf.TraceID, Action: "agent.retry"})
	require.NoError(t, err)
	assert.Len(t, retries, 2)
}

func TestRetryBudgetExhaustedFailsAndCompensates(t *testing.T) {
	env := newTestEnv(t)
	j := &journal{}
	agents := env.registerPipeline(t, j)
	agents["form"].failures = 10
	ctx := context.Background()

	// compliance succeeded at submit-level? compliance handles apply/verify;
	// form is the only submit agent, so the prior stages' side effects stand
	// but submit itself has nothing to unwind besides form's own failures.
	wf, err := env.orch.SubmitRequest(ctx, &Request{
		EntityID: "ent-1", Kind: "license-application", SubmissionKey: "sub-1",
	})
	require.NoError(t, err)
	assert.Equal(t, types.StageFailed, wf.CurrentStage)
	assert.Contains(t, wf.FailureReason, "retries_exhausted")

	// Default budget: initial attempt plus three retries.
	assert.Equal(t, 4, agents["form"].execCount())
}

func TestPermanentFailureSkipsRetries(t *testing.T) {
	env := newTestEnv(t)
	agents := env.registerPipeline(t, &journal{})
	agents["compliance"].failures = 10
	agents["compliance"].permanent = true
	ctx := context.Background()

	wf, err := env.orch.SubmitRequest(ctx, &Request{
		EntityID: "ent-1", Kind: "license-application", SubmissionKey: "sub-1",
	})
	require.NoError(t, err)
	assert.Equal(t, types.StageFailed, wf.CurrentStage)
	assert.Equal(t, 1, agents["compliance"].execCount())
}

func TestCompensationRunsInReverseWithResidueWarnings(t *testing.T) {
	env := newTestEnv(t)
	j := &journal{}

	// Two apply agents succeed, the third fails permanently; the first has
	// no compensator and must leave residue.
	first := newStageAgent("first", []types.Stage{types.StageApply}, j)
	second := newStageAgent("second", []types.Stage{types.StageApply}, j, "first")
	third := newStageAgent("third", []types.Stage{types.StageApply}, j, "second")
	third.failures = 10
	third.permanent = true
	require.NoError(t, env.reg.Register(&plainAgent{inner: first}))
	require.NoError(t, env.reg.Register(second))
	require.NoError(t, env.reg.Register(third))

	ctx := context.Background()
	wf, err := env.orch.SubmitRequest(ctx, &Request{
		EntityID: "ent-1", Kind: "license-application", SubmissionKey: "sub-1",
	})
	require.NoError(t, err)
	assert.Equal(t, types.StageFailed, wf.CurrentStage)

	assert.Equal(t, 1, second.compensated)

	residue, err := env.log.Query(ctx, audit.Filter{TraceID: wf.TraceID, Action: "compensation.residue"})
	require.NoError(t, err)
	require.Len(t, residue, 1)
	assert.Equal(t, "first", residue[0].Payload["agent_id"])
	assert.Equal(t, types.SeverityWarning, residue[0].Severity)
}

func TestCancellationRecordsIndeterminateOutcome(t *testing.T) {
	env := newTestEnv(t)
	j := &journal{}
	agents := env.registerPipeline(t, j)
	agents["compliance"].block = make(chan struct{})
	agents["compliance"].started = make(chan struct{})
	started := agents["compliance"].started
	ctx := context.Background()

	var wf *types.Workflow
	var submitErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		wf, submitErr = env.orch.SubmitRequest(ctx, &Request{
			EntityID: "ent-1", Kind: "license-application", SubmissionKey: "sub-1",
		})
	}()

	<-started
	// The workflow is mid-execution; find it through its submission key.
	pending, err := env.store.GetBySubmissionKey(ctx, "sub-1")
	require.NoError(t, err)
	require.NoError(t, env.orch.Cancel(ctx, pending.ID))
	<-done

	require.NoError(t, submitErr)
	wf, err = env.orch.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StageFailed, wf.CurrentStage)
	assert.Equal(t, "cancelled", wf.FailureReason)

	events, err := env.log.Query(ctx, audit.Filter{TraceID: wf.TraceID, Action: "workflow.cancelled"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "indeterminate", events[0].Payload["outcome"])

	// The interrupted attempt stays on record for reconciliation.
	assert.Equal(t, "apply", events[0].Payload["stage"])
	assert.Equal(t, wf.ID+":apply:0", events[0].Payload["idempotency_key"])
}

func TestCancelIdleWorkflow(t *testing.T) {
	env := newTestEnv(t)
	env.registerPipeline(t, &journal{})
	ctx := context.Background()

	wf, err := env.orch.SubmitRequest(ctx, &Request{
		EntityID: "ent-1", Kind: "license-filing", SubmissionKey: "sub-1",
		Amount: 6000, Currency: "EUR",
	})
	require.NoError(t, err)
	require.Equal(t, types.StageAwaitingApproval, wf.CurrentStage)

	require.NoError(t, env.orch.Cancel(ctx, wf.ID))
	wf, err = env.orch.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StageFailed, wf.CurrentStage)
	assert.Equal(t, "cancelled", wf.FailureReason)

	// Cancelling a terminal workflow is rejected.
	err = env.orch.Cancel(ctx, wf.ID)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindValidation))
}

func TestBackoffSchedule(t *testing.T) {
	env := newTestEnv(t)
	env.orch.cfg.RetryBase = 250 * time.Millisecond
	env.orch.cfg.RetryCap = 30 * time.Second

	assert.Equal(t, 250*time.Millisecond, env.orch.backoff(0))
	assert.Equal(t, 500*time.Millisecond, env.orch.backoff(1))
	assert.Equal(t, time.Second, env.orch.backoff(2))
	assert.Equal(t, 30*time.Second, env.orch.backoff(20))
}

func TestParallelAgentsShareLevel(t *testing.T) {
	env := newTestEnv(t)
	j := &journal{}

	root := newStageAgent("root", []types.Stage{types.StageApply}, j)
	left := newStageAgent("left", []types.Stage{types.StageApply}, j, "root")
	left.manifest.Capabilities.CanParallelize = true
	right := newStageAgent("right", []types.Stage{types.StageApply}, j, "root")
	right.manifest.Capabilities.CanParallelize = true
	require.NoError(t, env.reg.Register(root))
	require.NoError(t, env.reg.Register(left))
	require.NoError(t, env.reg.Register(right))

	ctx := context.Background()
	wf, err := env.orch.SubmitRequest(ctx, &Request{
		EntityID: "ent-1", Kind: "license-application", SubmissionKey: "sub-1",
	})
	require.NoError(t, err)
	assert.Equal(t, types.StageCompleted, wf.CurrentStage)

	entries := j.list()
	require.NotEmpty(t, entries)
	assert.Equal(t, "root", entries[0])
	assert.ElementsMatch(t, []string{"left", "right"}, entries[1:3])
}

func TestQuerySurface(t *testing.T) {
	env := newTestEnv(t)
	env.registerPipeline(t, &journal{})
	ctx := context.Background()

	wf, err := env.orch.SubmitRequest(ctx, &Request{
		EntityID: "ent-1", Kind: "license-application", SubmissionKey: "sub-1",
	})
	require.NoError(t, err)

	got, err := env.orch.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, wf.ID, got.ID)

	status, err := env.orch.GetEntityStatus(ctx, "ent-1")
	require.NoError(t, err)
	assert.Equal(t, 100, status.ComplianceScore)

	events, err := env.orch.QueryAudit(ctx, audit.Filter{WorkflowID: wf.ID})
	require.NoError(t, err)
	assert.NotEmpty(t, events)
}

package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/otrix/occam-agents/internal/governance"
	"github.com/otrix/occam-agents/internal/workflow"
	"github.com/otrix/occam-agents/pkg/types"
)

// process drives one workflow under its sequencer until it reaches a
// terminal stage or suspends.
func (o *Orchestrator) process(id string) {
	seq := o.sequencer(id)
	seq.Lock()
	defer seq.Unlock()

	base := o.baseCtx
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)
	defer cancel()
	o.registerCancel(id, cancel)
	defer o.unregisterCancel(id)

	o.metrics.WorkerStarted()
	defer o.metrics.WorkerStopped()

	o.drive(ctx, id)
}

// drive advances the workflow stage by stage. Within one workflow all stage
// transitions are strictly serialized by the caller's sequencer.
func (o *Orchestrator) drive(ctx context.Context, id string) {
	for {
		wf, err := o.machine.Get(ctx, id)
		if err != nil {
			o.logger.Error("cannot load workflow", zap.String("workflow_id", id), zap.Error(err))
			return
		}
		if wf.CurrentStage.IsTerminal() {
			return
		}

		if wf.CurrentStage == types.StageAwaitingApproval {
			if !o.resolveApproval(ctx, wf) {
				return
			}
			continue
		}

		if !o.ensureStageExecuted(ctx, wf) {
			return
		}

		target := nextStage(wf)
		if target == "" {
			return
		}
		proceed := o.advance(ctx, wf, target)
		if !proceed {
			return
		}
	}
}

// ensureStageExecuted runs the current stage's agents when no successful
// attempt record exists. The transition is durable before its agents run, so
// a crash in that window leaves a persisted stage that was never executed;
// on resume the fixed attempt key makes re-execution safe. Returns true when
// driving should continue.
func (o *Orchestrator) ensureStageExecuted(ctx context.Context, wf *types.Workflow) bool {
	if !stageRunsAgents(wf.CurrentStage) {
		return true
	}
	key := types.AttemptKey{WorkflowID: wf.ID, TargetStage: wf.CurrentStage, Attempt: 0}
	if rec, err := o.store.GetAttempt(ctx, key); err == nil && rec.Success {
		return true
	}

	if wf.CurrentStage == types.StagePay {
		suspendedOrFailed, err := o.gateMonetary(ctx, wf)
		if err != nil {
			o.logger.Error("governance gate failed", zap.String("workflow_id", wf.ID), zap.Error(err))
			return false
		}
		if suspendedOrFailed {
			return false
		}
	}

	if err := o.executeStage(ctx, wf, wf.CurrentStage); err != nil {
		if ctx.Err() != nil {
			o.recordCancellation(wf, err)
			return false
		}
		_ = o.fail(ctx, wf, failureReason(err), "orchestrator")
		return false
	}

	if wf.CurrentStage == types.StagePay {
		if err := o.gov.RecordTransaction(ctx, o.transactionFor(wf)); err != nil {
			o.logger.Error("cannot record transaction", zap.String("workflow_id", wf.ID), zap.Error(err))
		}
	}
	return true
}

// stageRunsAgents reports whether a stage has an agent execution phase.
func stageRunsAgents(s types.Stage) bool {
	switch s {
	case types.StagePending, types.StageAwaitingApproval:
		return false
	}
	return !s.IsTerminal()
}

// nextStage picks the target stage for the workflow's next transition.
// Monetary workflows route verify through pay.
func nextStage(wf *types.Workflow) types.Stage {
	switch wf.CurrentStage {
	case types.StagePending, types.StageRenew:
		return types.StageApply
	case types.StageApply:
		return types.StageVerify
	case types.StageVerify:
		if workflowAmount(wf) > 0 {
			return types.StagePay
		}
		return types.StageSubmit
	case types.StagePay:
		return types.StageSubmit
	case types.StageSubmit:
		return types.StageConfirm
	case types.StageConfirm:
		return types.StageArchive
	case types.StageArchive:
		return types.StageCompleted
	default:
		return ""
	}
}

func workflowAmount(wf *types.Workflow) float64 {
	amount, _ := wf.Payload["amount"].(float64)
	return amount
}

// resolveApproval checks the decision on a suspended workflow. Returns true
// when the workflow should keep advancing.
func (o *Orchestrator) resolveApproval(ctx context.Context, wf *types.Workflow) bool {
	req, err := o.gov.ApprovalForWorkflow(ctx, wf.ID)
	if err != nil {
		o.logger.Error("cannot resolve approval",
			zap.String("workflow_id", wf.ID), zap.Error(err))
		return false
	}

	switch req.Status {
	case types.ApprovalPending:
		return false
	case types.ApprovalApproved:
		if !o.advance(ctx, wf, types.StageSubmit) {
			return false
		}
		// Approved spend enters the rolling accounting just like a payment
		// that cleared the gate directly.
		if err := o.gov.RecordTransaction(ctx, o.transactionFor(wf)); err != nil {
			o.logger.Error("cannot record transaction", zap.String("workflow_id", wf.ID), zap.Error(err))
		}
		return true
	case types.ApprovalDenied:
		_ = o.fail(ctx, wf, "approval_denied", req.Decider)
		return false
	case types.ApprovalExpired:
		_ = o.fail(ctx, wf, "approval_expired", "governance")
		return false
	default:
		return false
	}
}

// advance commits the transition to target, then executes the target stage's
// agents. The transition and its audit event are durable before any
// side-effecting agent is invoked. Returns true when driving should continue.
func (o *Orchestrator) advance(ctx context.Context, wf *types.Workflow, target types.Stage) bool {
	id := wf.ID
	wf, err := o.machine.Transition(ctx, id, target, "orchestrator", "")
	if err != nil {
		o.logger.Error("transition failed",
			zap.String("workflow_id", id), zap.String("target", string(target)), zap.Error(err))
		return false
	}
	o.metrics.RecordStageTransition(string(target))

	if target == types.StageCompleted {
		return true
	}

	if target == types.StagePay {
		suspendedOrFailed, err := o.gateMonetary(ctx, wf)
		if err != nil {
			o.logger.Error("governance gate failed", zap.String("workflow_id", wf.ID), zap.Error(err))
			return false
		}
		if suspendedOrFailed {
			return false
		}
	}

	if err := o.executeStage(ctx, wf, target); err != nil {
		if ctx.Err() != nil {
			o.recordCancellation(wf, err)
			return false
		}
		_ = o.fail(ctx, wf, failureReason(err), "orchestrator")
		return false
	}

	if target == types.StagePay {
		if err := o.gov.RecordTransaction(ctx, o.transactionFor(wf)); err != nil {
			o.logger.Error("cannot record transaction", zap.String("workflow_id", wf.ID), zap.Error(err))
		}
	}
	return true
}

// gateMonetary consults governance before any payment agent runs. Returns
// true when the workflow was suspended or failed by the gate.
func (o *Orchestrator) gateMonetary(ctx context.Context, wf *types.Workflow) (bool, error) {
	verdict, err := o.gov.ValidateTransaction(ctx, o.transactionFor(wf))
	if err != nil {
		return false, err
	}
	o.metrics.RecordGovernanceVerdict(verdict.Allowed, verdict.RequiresApproval)

	if !verdict.Allowed {
		reason := "policy_violation: " + strings.Join(verdict.Violations, "; ")
		return true, o.fail(ctx, wf, reason, "governance")
	}
	if verdict.RequiresApproval {
		if _, err := o.machine.Transition(ctx, wf.ID, types.StageAwaitingApproval, "governance", ""); err != nil {
			return false, err
		}
		o.metrics.RecordStageTransition(string(types.StageAwaitingApproval))
		o.logger.Info("workflow suspended for approval",
			zap.String("workflow_id", wf.ID),
			zap.String("approval_request_id", verdict.ApprovalRequestID),
		)
		return true, nil
	}
	return false, nil
}

func (o *Orchestrator) transactionFor(wf *types.Workflow) *governance.TransactionContext {
	currency, _ := wf.Payload["currency"].(string)
	requestedBy, _ := wf.Payload["requested_by"].(string)
	return &governance.TransactionContext{
		WorkflowID:  wf.ID,
		EntityID:    wf.EntityID,
		TraceID:     wf.TraceID,
		Amount:      workflowAmount(wf),
		Currency:    currency,
		RequestedBy: requestedBy,
		Payload:     wf.Payload,
	}
}

type completedExecution struct {
	agent  types.Agent
	result *types.ExecutionResult
}

// executeStage runs every active agent declaring the stage, in dependency
// order, parallelizing same-level agents that allow it. A duplicate delivery
// of the same attempt key returns the earlier outcome without re-invoking
// agents.
func (o *Orchestrator) executeStage(ctx context.Context, wf *types.Workflow, stage types.Stage) error {
	agents := o.registry.AgentsForStage(stage)
	if len(agents) == 0 {
		return nil
	}

	key := types.AttemptKey{WorkflowID: wf.ID, TargetStage: stage, Attempt: 0}
	if rec, err := o.store.GetAttempt(ctx, key); err == nil && rec.Success {
		ev := types.NewAuditEvent("orchestrator", "stage.deduplicated").
			WithTrace(wf.TraceID).
			WithWorkflow(wf.ID).
			WithEntity(wf.EntityID).
			WithPayload("stage", string(stage)).
			WithPayload("attempt_key", key.String()).
			Build()
		if _, err := o.audit.Log(ctx, ev); err != nil {
			return err
		}
		return nil
	}

	stageCtx, cancel := context.WithTimeout(ctx, o.stageDeadline(agents))
	defer cancel()

	seed, _ := wf.Payload["checksum_seed"].(float64)
	ec := &types.ExecutionContext{
		WorkflowID:     wf.ID,
		EntityID:       wf.EntityID,
		TraceID:        wf.TraceID,
		Ontology:       o.ontology,
		Facts:          o.facts,
		Credentials:    o.vault,
		PriorResults:   make(map[string]*types.ExecutionResult),
		ChecksumSeed:   int64(seed),
		IdempotencyKey: key.String(),
		Payload:        wf.Payload,
	}

	var completed []completedExecution
	for _, level := range dependencyLevels(agents) {
		results, err := o.runLevel(stageCtx, stage, level, ec)
		for _, done := range results {
			completed = append(completed, done)
			ec.PriorResults[done.result.AgentID] = done.result
		}
		if err != nil {
			o.compensate(ctx, wf, completed)
			return err
		}
	}

	results := make(map[string]*types.ExecutionResult, len(completed))
	for _, done := range completed {
		results[done.result.AgentID] = done.result
	}
	rec := &workflow.AttemptRecord{
		Key:        key,
		Success:    true,
		ResultedIn: stage,
		Results:    results,
		RecordedAt: o.clock.Now(),
	}
	if err := o.store.PutAttempt(ctx, rec); err != nil {
		return types.WrapE(types.KindIntegrity, "orchestrator.attempt", err)
	}
	return nil
}

// runLevel executes one dependency level. Agents marked can-parallelize run
// concurrently; the rest run in order.
func (o *Orchestrator) runLevel(ctx context.Context, stage types.Stage, level []types.Agent, ec *types.ExecutionContext) ([]completedExecution, error) {
	var parallel, serial []types.Agent
	for _, agent := range level {
		if agent.Manifest().Capabilities.CanParallelize {
			parallel = append(parallel, agent)
		} else {
			serial = append(serial, agent)
		}
	}

	var (
		mu        sync.Mutex
		completed []completedExecution
		firstErr  error
	)
	record := func(agent types.Agent, res *types.ExecutionResult, err error) {
		mu.Lock()
		defer mu.Unlock()
		if res != nil {
			completed = append(completed, completedExecution{agent: agent, result: res})
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	var wg sync.WaitGroup
	for _, agent := range parallel {
		wg.Add(1)
		go func(agent types.Agent) {
			defer wg.Done()
			res, err := o.invokeAgent(ctx, agent, stage, ec)
			record(agent, res, err)
		}(agent)
	}
	wg.Wait()

	if firstErr != nil {
		return completed, firstErr
	}

	for _, agent := range serial {
		res, err := o.invokeAgent(ctx, agent, stage, ec)
		record(agent, res, err)
		if err != nil {
			return completed, err
		}
		ec.PriorResults[res.AgentID] = res
	}
	return completed, nil
}

// dependencyLevels groups agents by depth in the dependency graph restricted
// to the given set. Dependencies outside the set are treated as satisfied.
func dependencyLevels(agents []types.Agent) [][]types.Agent {
	inSet := make(map[string]types.Agent, len(agents))
	for _, a := range agents {
		inSet[a.Manifest().ID] = a
	}

	depth := make(map[string]int, len(agents))
	var depthOf func(id string) int
	depthOf = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}
		depth[id] = 0 // break accidental cycles; registry rejects real ones
		max := 0
		for _, dep := range inSet[id].Manifest().Dependencies {
			if _, ok := inSet[dep]; !ok {
				continue
			}
			if d := depthOf(dep) + 1; d > max {
				max = d
			}
		}
		depth[id] = max
		return max
	}

	maxDepth := 0
	for id := range inSet {
		if d := depthOf(id); d > maxDepth {
			maxDepth = d
		}
	}

	levels := make([][]types.Agent, maxDepth+1)
	for _, a := range agents { // preserve registry order within levels
		id := a.Manifest().ID
		levels[depth[id]] = append(levels[depth[id]], a)
	}
	return levels
}

// stageDeadline derives the per-stage deadline from the slowest agent's
// declared latency, bounded by the configured maximum.
func (o *Orchestrator) stageDeadline(agents []types.Agent) time.Duration {
	var maxEst int64
	for _, a := range agents {
		if est := a.Manifest().Capabilities.EstimatedLatencyMs; est > maxEst {
			maxEst = est
		}
	}
	if maxEst == 0 {
		return o.cfg.MaxStageDeadline
	}
	deadline := time.Duration(maxEst) * time.Millisecond * time.Duration(o.cfg.StageDeadlineMultiplier)
	if deadline > o.cfg.MaxStageDeadline {
		return o.cfg.MaxStageDeadline
	}
	return deadline
}

// invokeAgent runs one agent with retries. Transient failures back off
// exponentially; the idempotency key stays fixed across retries so agents
// with external side effects can dedupe.
func (o *Orchestrator) invokeAgent(ctx context.Context, agent types.Agent, stage types.Stage, ec *types.ExecutionContext) (*types.ExecutionResult, error) {
	manifest := agent.Manifest()
	maxRetries := manifest.Retry.MaxRetries
	if maxRetries <= 0 {
		maxRetries = o.cfg.MaxRetries
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		start := o.clock.Now()
		res, err := agent.Execute(ctx, stage, ec)
		latency := o.clock.Now().Sub(start)

		success := err == nil && res != nil && res.Success
		if recErr := o.registry.RecordExecution(manifest.ID, success, latency); recErr != nil {
			o.logger.Warn("cannot record execution", zap.String("agent_id", manifest.ID), zap.Error(recErr))
		}
		o.metrics.RecordAgentExecution(manifest.ID, success, latency)
		o.auditExecution(ctx, ec, manifest.ID, stage, attempt, res, err)

		if success {
			res.AgentID = manifest.ID
			res.Latency = latency
			return res, nil
		}

		if err == nil {
			err = resultError(manifest.ID, res)
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, types.WrapE(types.KindIndeterminate, "orchestrator.invoke", ctx.Err())
		}
		if !types.Retryable(err) {
			return nil, err
		}
		if attempt >= maxRetries {
			return nil, types.E(types.KindTransient, "orchestrator.invoke",
				"agent %s exhausted %d retries: %v", manifest.ID, maxRetries, lastErr)
		}

		o.metrics.RecordRetry(manifest.ID)
		backoff := o.backoff(attempt)
		ev := types.NewAuditEvent("orchestrator", "agent.retry").
			WithTrace(ec.TraceID).
			WithWorkflow(ec.WorkflowID).
			WithEntity(ec.EntityID).
			WithSeverity(types.SeverityWarning).
			WithPayload("agent_id", manifest.ID).
			WithPayload("attempt", attempt+1).
			WithPayload("backoff_ms", backoff.Milliseconds()).
			Build()
		if _, aerr := o.audit.Log(ctx, ev); aerr != nil {
			return nil, aerr
		}

		select {
		case <-o.clock.After(backoff):
		case <-ctx.Done():
			return nil, types.WrapE(types.KindIndeterminate, "orchestrator.invoke", ctx.Err())
		}
	}
}

// backoff returns min(cap, base << attempt).
func (o *Orchestrator) backoff(attempt int) time.Duration {
	if o.cfg.RetryBase <= 0 {
		return 0
	}
	d := o.cfg.RetryBase << uint(attempt)
	if d <= 0 || d > o.cfg.RetryCap {
		return o.cfg.RetryCap
	}
	return d
}

func resultError(agentID string, res *types.ExecutionResult) error {
	if res == nil {
		return types.E(types.KindTransient, "orchestrator.invoke", "agent %s returned no result", agentID)
	}
	return types.E(types.KindTransient, "orchestrator.invoke",
		"agent %s reported failure: %s", agentID, strings.Join(res.Errors, "; "))
}

func (o *Orchestrator) auditExecution(ctx context.Context, ec *types.ExecutionContext, agentID string, stage types.Stage, attempt int, res *types.ExecutionResult, err error) {
	builder := types.NewAuditEvent(agentID, "agent.executed").
		WithTrace(ec.TraceID).
		WithWorkflow(ec.WorkflowID).
		WithEntity(ec.EntityID).
		WithPayload("stage", string(stage)).
		WithPayload("attempt", attempt)
	if res != nil {
		builder = builder.WithPayload("confidence", res.Confidence)
		if len(res.Warnings) > 0 {
			builder = builder.WithPayload("warnings", res.Warnings)
		}
	}
	if err != nil {
		builder = builder.WithError(err)
	} else if res != nil && !res.Success {
		builder = builder.
			WithStatus(types.EventFailure).
			WithPayload("errors", res.Errors)
	}
	if _, aerr := o.audit.Log(ctx, builder.Build()); aerr != nil {
		o.logger.Error("cannot audit agent execution", zap.String("agent_id", agentID), zap.Error(aerr))
	}
}

// compensate undoes successful side effects in reverse completion order.
// Agents without a compensator leave uncompensated residue, recorded as a
// warning audit event.
func (o *Orchestrator) compensate(ctx context.Context, wf *types.Workflow, completed []completedExecution) {
	// Compensation must run even when the stage context was cancelled.
	ctx = context.WithoutCancel(ctx)

	for i := len(completed) - 1; i >= 0; i-- {
		done := completed[i]
		agentID := done.result.AgentID

		comp, ok := done.agent.(types.Compensator)
		if !ok {
			o.metrics.RecordCompensation("residue")
			ev := types.NewAuditEvent("orchestrator", "compensation.residue").
				WithTrace(wf.TraceID).
				WithWorkflow(wf.ID).
				WithEntity(wf.EntityID).
				WithSeverity(types.SeverityWarning).
				WithPayload("agent_id", agentID).
				WithPayload("detail", "agent has side effects but no compensator").
				Build()
			if _, err := o.audit.Log(ctx, ev); err != nil {
				o.logger.Error("cannot audit residue", zap.Error(err))
			}
			continue
		}

		ec := &types.ExecutionContext{
			WorkflowID:  wf.ID,
			EntityID:    wf.EntityID,
			TraceID:     wf.TraceID,
			Facts:       o.facts,
			Credentials: o.vault,
			Payload:     wf.Payload,
		}
		err := comp.Compensate(ctx, ec, done.result)
		outcome := "ok"
		builder := types.NewAuditEvent("orchestrator", "agent.compensated").
			WithTrace(wf.TraceID).
			WithWorkflow(wf.ID).
			WithEntity(wf.EntityID).
			WithPayload("agent_id", agentID)
		if err != nil {
			outcome = "failed"
			builder = builder.WithError(err)
		}
		o.metrics.RecordCompensation(outcome)
		if _, aerr := o.audit.Log(ctx, builder.Build()); aerr != nil {
			o.logger.Error("cannot audit compensation", zap.Error(aerr))
		}
	}
}

// recordCancellation marks an interrupted execution indeterminate and fails
// the workflow.
func (o *Orchestrator) recordCancellation(wf *types.Workflow, cause error) {
	ctx := context.Background()

	// The in-flight attempt key stays on record so external side effects
	// (a charge in particular) can be reconciled later.
	key := types.AttemptKey{WorkflowID: wf.ID, TargetStage: wf.CurrentStage, Attempt: 0}
	ev := types.NewAuditEvent("orchestrator", "workflow.cancelled").
		WithTrace(wf.TraceID).
		WithWorkflow(wf.ID).
		WithEntity(wf.EntityID).
		WithSeverity(types.SeverityWarning).
		WithStatus(types.EventFailure).
		WithPayload("outcome", "indeterminate").
		WithPayload("stage", string(wf.CurrentStage)).
		WithPayload("idempotency_key", key.String()).
		WithPayload("error", cause.Error()).
		WithPayload("error_kind", string(types.KindIndeterminate)).
		Build()
	if _, err := o.audit.Log(ctx, ev); err != nil {
		o.logger.Error("cannot audit cancellation", zap.Error(err))
	}

	if err := o.fail(ctx, wf, "cancelled", "orchestrator"); err != nil {
		o.logger.Error("cannot fail cancelled workflow", zap.String("workflow_id", wf.ID), zap.Error(err))
	}
}

// fail transitions a workflow to failed with the given reason.
func (o *Orchestrator) fail(ctx context.Context, wf *types.Workflow, reason, actor string) error {
	ctx = context.WithoutCancel(ctx)
	if _, err := o.machine.Transition(ctx, wf.ID, types.StageFailed, actor, reason); err != nil {
		return err
	}
	o.metrics.RecordStageTransition(string(types.StageFailed))
	o.metrics.RecordWorkflowFailure(shortReason(reason))
	return nil
}

// failureReason maps an execution error to the stored failure reason.
func failureReason(err error) string {
	kind := types.KindOf(err)
	switch kind {
	case types.KindIndeterminate:
		return "cancelled"
	case types.KindTransient:
		return fmt.Sprintf("retries_exhausted: %v", err)
	default:
		return fmt.Sprintf("%s: %v", kind, err)
	}
}

// shortReason collapses a failure reason to its metric label.
func shortReason(reason string) string {
	if i := strings.IndexByte(reason, ':'); i > 0 {
		return reason[:i]
	}
	return reason
}

// Package governance policy-gates monetary and rate-sensitive actions. It
// enforces spending limits, a sliding rate-limit window, anomaly detection,
// and human approval for transactions above the approval threshold.
package governance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/otrix/occam-agents/internal/audit"
	"github.com/otrix/occam-agents/internal/clock"
	"github.com/otrix/occam-agents/pkg/types"
)

// Limits are the tunable spending and rate thresholds. They can be swapped
// at runtime by the limits watcher.
type Limits struct {
	MaxTransactionAmount float64 `yaml:"max_transaction_amount"`
	DailyLimit           float64 `yaml:"daily_spend_limit"`
	ApprovalThreshold    float64 `yaml:"approval_threshold"`

	RateLimitWindowMinutes int `yaml:"rate_limit_window_minutes"`
	MaxPerWindow           int `yaml:"max_transactions_per_window"`
}

// DefaultLimits returns production-safe limit defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxTransactionAmount:   10000,
		DailyLimit:             50000,
		ApprovalThreshold:      5000,
		RateLimitWindowMinutes: 60,
		MaxPerWindow:           100,
	}
}

// Validate checks limit invariants.
func (l Limits) Validate() error {
	if l.MaxTransactionAmount <= 0 {
		return types.E(types.KindValidation, "governance.limits", "max_transaction_amount must be positive")
	}
	if l.DailyLimit < l.MaxTransactionAmount {
		return types.E(types.KindValidation, "governance.limits", "daily_spend_limit must be at least max_transaction_amount")
	}
	if l.ApprovalThreshold <= 0 || l.ApprovalThreshold > l.MaxTransactionAmount {
		return types.E(types.KindValidation, "governance.limits", "approval_threshold must be positive and at most max_transaction_amount")
	}
	if l.RateLimitWindowMinutes <= 0 || l.MaxPerWindow <= 0 {
		return types.E(types.KindValidation, "governance.limits", "rate limit window and max per window must be positive")
	}
	return nil
}

func (l Limits) window() time.Duration {
	return time.Duration(l.RateLimitWindowMinutes) * time.Minute
}

// Config configures the governance engine.
type Config struct {
	Limits Limits `yaml:"limits"`

	// ApprovalExpiry is how long an approval request stays decidable.
	ApprovalExpiry time.Duration `yaml:"approval_expiry"`

	// HistoryLimit bounds the rolling transaction history.
	HistoryLimit int `yaml:"history_limit"`

	// RapidCount transactions inside RapidWindow flag a rapid-fire anomaly.
	RapidCount  int           `yaml:"rapid_transaction_count"`
	RapidWindow time.Duration `yaml:"rapid_transaction_window"`

	// DecisionTokenSecret signs approval decision tokens when set.
	DecisionTokenSecret []byte `yaml:"-"`
}

// DefaultConfig returns governance defaults.
func DefaultConfig() Config {
	return Config{
		Limits:         DefaultLimits(),
		ApprovalExpiry: 24 * time.Hour,
		HistoryLimit:   1000,
		RapidCount:     10,
		RapidWindow:    5 * time.Minute,
	}
}

// TransactionContext describes a monetary action awaiting a verdict.
type TransactionContext struct {
	WorkflowID  string                 `json:"workflow_id"`
	EntityID    string                 `json:"entity_id"`
	TraceID     string                 `json:"trace_id"`
	Amount      float64                `json:"amount"`
	Currency    string                 `json:"currency"`
	RequestedBy string                 `json:"requested_by"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
}

// Verdict is the outcome of validating a transaction. Violations block;
// warnings and the approval requirement do not.
type Verdict struct {
	Allowed           bool      `json:"allowed"`
	RequiresApproval  bool      `json:"requires_approval"`
	Violations        []string  `json:"violations,omitempty"`
	Warnings          []string  `json:"warnings,omitempty"`
	Anomalies         []Anomaly `json:"anomalies,omitempty"`
	ApprovalRequestID string    `json:"approval_request_id,omitempty"`
}

type txRecord struct {
	amount float64
	at     time.Time
}

// Governance is the policy gate. All counters (daily total, rate window,
// history) are mutated under one lock so readers see a consistent snapshot.
type Governance struct {
	mu         sync.Mutex
	limits     Limits
	dailyTotal float64
	dailyDate  string
	window     []time.Time
	history    []txRecord

	cfg       Config
	approvals ApprovalStore
	audit     *audit.Log
	clock     clock.Clock
	logger    *zap.Logger
}

// New creates a governance engine.
func New(cfg Config, approvals ApprovalStore, auditLog *audit.Log, clk clock.Clock, logger *zap.Logger) (*Governance, error) {
	if err := cfg.Limits.Validate(); err != nil {
		return nil, err
	}
	if cfg.ApprovalExpiry <= 0 {
		cfg.ApprovalExpiry = 24 * time.Hour
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 1000
	}
	if cfg.RapidCount <= 0 {
		cfg.RapidCount = 10
	}
	if cfg.RapidWindow <= 0 {
		cfg.RapidWindow = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Governance{
		limits:    cfg.Limits,
		cfg:       cfg,
		approvals: approvals,
		audit:     auditLog,
		clock:     clk,
		logger:    logger,
	}, nil
}

// UpdateLimits swaps the active limits. Counters are preserved.
func (g *Governance) UpdateLimits(limits Limits) error {
	if err := limits.Validate(); err != nil {
		return err
	}
	g.mu.Lock()
	old := g.limits
	g.limits = limits
	g.mu.Unlock()

	g.logger.Info("governance limits updated",
		zap.Float64("max_transaction_amount", limits.MaxTransactionAmount),
		zap.Float64("daily_spend_limit", limits.DailyLimit),
		zap.Float64("approval_threshold", limits.ApprovalThreshold),
		zap.Float64("previous_max_transaction_amount", old.MaxTransactionAmount),
	)
	return nil
}

// CurrentLimits returns a snapshot of the active limits.
func (g *Governance) CurrentLimits() Limits {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limits
}

// ValidateTransaction evaluates all rules in order, collecting every
// violation before returning. Blocked transactions do not enter the
// running totals; callers commit with RecordTransaction after the action
// succeeds.
func (g *Governance) ValidateTransaction(ctx context.Context, tx *TransactionContext) (*Verdict, error) {
	now := g.clock.Now()

	g.mu.Lock()
	limits := g.limits
	g.rollDayLocked(now)
	g.pruneWindowLocked(now, limits.window())
	dailyTotal := g.dailyTotal
	windowCount := len(g.window)
	anomalies := g.detectAnomaliesLocked(tx.Amount, now)
	g.mu.Unlock()

	verdict := &Verdict{Anomalies: anomalies}

	if tx.Amount > limits.MaxTransactionAmount {
		verdict.Violations = append(verdict.Violations,
			fmt.Sprintf("amount %.2f exceeds max transaction amount %.2f", tx.Amount, limits.MaxTransactionAmount))
	}
	if dailyTotal+tx.Amount > limits.DailyLimit {
		verdict.Violations = append(verdict.Violations,
			fmt.Sprintf("daily total %.2f plus amount %.2f exceeds daily limit %.2f", dailyTotal, tx.Amount, limits.DailyLimit))
	}
	if windowCount >= limits.MaxPerWindow {
		verdict.Violations = append(verdict.Violations,
			fmt.Sprintf("rate limit reached: %d transactions in the last %d minutes", windowCount, limits.RateLimitWindowMinutes))
	}
	if tx.Amount >= limits.ApprovalThreshold {
		verdict.RequiresApproval = true
	}
	for _, a := range anomalies {
		verdict.Warnings = append(verdict.Warnings, a.String())
		if a.Severity.AtLeast(AnomalyHigh) {
			verdict.RequiresApproval = true
		}
	}

	verdict.Allowed = len(verdict.Violations) == 0

	if verdict.RequiresApproval && verdict.Allowed {
		req, err := g.createApproval(ctx, tx, verdict, now)
		if err != nil {
			return nil, err
		}
		verdict.ApprovalRequestID = req.ID
	}

	status := types.EventSuccess
	if !verdict.Allowed {
		status = types.EventFailure
	}
	ev := types.NewAuditEvent("governance", "transaction.validated").
		WithTrace(tx.TraceID).
		WithWorkflow(tx.WorkflowID).
		WithEntity(tx.EntityID).
		WithStatus(status).
		WithPayload("amount", tx.Amount).
		WithPayload("allowed", verdict.Allowed).
		WithPayload("requires_approval", verdict.RequiresApproval).
		WithPayload("violations", verdict.Violations).
		Build()
	if _, err := g.audit.Log(ctx, ev); err != nil {
		return nil, err
	}

	return verdict, nil
}

// RecordTransaction commits an executed transaction into the daily total,
// the rate window, and the rolling history.
func (g *Governance) RecordTransaction(ctx context.Context, tx *TransactionContext) error {
	now := g.clock.Now()

	g.mu.Lock()
	g.rollDayLocked(now)
	g.dailyTotal += tx.Amount
	g.window = append(g.window, now)
	g.history = append(g.history, txRecord{amount: tx.Amount, at: now})
	if len(g.history) > g.cfg.HistoryLimit {
		g.history = g.history[len(g.history)-g.cfg.HistoryLimit:]
	}
	total := g.dailyTotal
	g.mu.Unlock()

	ev := types.NewAuditEvent("governance", "transaction.recorded").
		WithTrace(tx.TraceID).
		WithWorkflow(tx.WorkflowID).
		WithEntity(tx.EntityID).
		WithPayload("amount", tx.Amount).
		WithPayload("daily_total", total).
		Build()
	_, err := g.audit.Log(ctx, ev)
	return err
}

// DailyTotal returns the committed spend since local midnight.
func (g *Governance) DailyTotal() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollDayLocked(g.clock.Now())
	return g.dailyTotal
}

// rollDayLocked resets the daily total when the local date changes.
func (g *Governance) rollDayLocked(now time.Time) {
	day := now.Local().Format("2006-01-02")
	if day != g.dailyDate {
		g.dailyDate = day
		g.dailyTotal = 0
	}
}

// pruneWindowLocked drops window entries older than the rate-limit window.
func (g *Governance) pruneWindowLocked(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(g.window) && !g.window[i].After(cutoff) {
		i++
	}
	g.window = g.window[i:]
}

func (g *Governance) createApproval(ctx context.Context, tx *TransactionContext, verdict *Verdict, now time.Time) (*types.ApprovalRequest, error) {
	reason := "amount at or above approval threshold"
	for _, a := range verdict.Anomalies {
		if a.Severity.AtLeast(AnomalyHigh) {
			reason = "high-severity anomaly: " + a.String()
			break
		}
	}

	req := &types.ApprovalRequest{
		ID:              "apr-" + uuid.New().String(),
		WorkflowID:      tx.WorkflowID,
		Amount:          tx.Amount,
		Currency:        tx.Currency,
		Payload:         tx.Payload,
		ThresholdReason: reason,
		RequestedBy:     tx.RequestedBy,
		RequestedAt:     now,
		ExpiresAt:       now.Add(g.cfg.ApprovalExpiry),
		Status:          types.ApprovalPending,
	}
	if err := g.approvals.Put(ctx, req); err != nil {
		return nil, types.WrapE(types.KindIntegrity, "governance.approval", err)
	}

	ev := types.NewAuditEvent("governance", "approval.requested").
		WithTrace(tx.TraceID).
		WithWorkflow(tx.WorkflowID).
		WithEntity(tx.EntityID).
		WithSeverity(types.SeverityWarning).
		WithPayload("approval_request_id", req.ID).
		WithPayload("amount", tx.Amount).
		WithPayload("reason", reason).
		WithPayload("expires_at", req.ExpiresAt).
		Build()
	if _, err := g.audit.Log(ctx, ev); err != nil {
		return nil, err
	}
	return req, nil
}

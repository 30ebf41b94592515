package governance

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otrix/occam-agents/internal/audit"
	"github.com/otrix/occam-agents/internal/clock"
	"github.com/otrix/occam-agents/pkg/types"
)

func newTestGovernance(t *testing.T, cfg Config) (*Governance, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	log, err := audit.New(audit.NewMemoryStore(), clk, audit.DefaultConfig(), nil)
	require.NoError(t, err)

	g, err := New(cfg, NewMemoryApprovalStore(), log, clk, nil)
	require.NoError(t, err)
	return g, clk
}

func tx(amount float64) *TransactionContext {
	return &TransactionContext{
		WorkflowID:  "wf-1",
		EntityID:    "ent-1",
		TraceID:     "trace-1",
		Amount:      amount,
		Currency:    "EUR",
		RequestedBy: "payment-agent",
	}
}

func TestValidateWithinLimits(t *testing.T) {
	g, _ := newTestGovernance(t, DefaultConfig())

	verdict, err := g.ValidateTransaction(context.Background(), tx(100))
	require.NoError(t, err)
	assert.True(t, verdict.Allowed)
	assert.False(t, verdict.RequiresApproval)
	assert.Empty(t, verdict.Violations)
	assert.Empty(t, verdict.ApprovalRequestID)
}

func TestAmountAboveThresholdRequiresApproval(t *testing.T) {
	g, clk := newTestGovernance(t, DefaultConfig())
	ctx := context.Background()

	verdict, err := g.ValidateTransaction(ctx, tx(6000))
	require.NoError(t, err)
	assert.True(t, verdict.Allowed)
	assert.True(t, verdict.RequiresApproval)
	require.NotEmpty(t, verdict.ApprovalRequestID)

	req, err := g.GetApproval(ctx, verdict.ApprovalRequestID)
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalPending, req.Status)
	assert.Equal(t, clk.Now().Add(24*time.Hour), req.ExpiresAt)
	assert.Equal(t, 6000.0, req.Amount)
}

func TestBlockedTransactionGetsNoApprovalRequest(t *testing.T) {
	g, _ := newTestGovernance(t, DefaultConfig())

	verdict, err := g.ValidateTransaction(context.Background(), tx(15000))
	require.NoError(t, err)
	assert.False(t, verdict.Allowed)
	assert.True(t, verdict.RequiresApproval)
	require.Len(t, verdict.Violations, 1)
	assert.Contains(t, verdict.Violations[0], "max transaction amount")
	assert.Empty(t, verdict.ApprovalRequestID)
}

func TestAllViolationsCollected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Limits.MaxTransactionAmount = 1000
	cfg.Limits.DailyLimit = 1000
	cfg.Limits.ApprovalThreshold = 500
	cfg.Limits.MaxPerWindow = 1
	g, _ := newTestGovernance(t, cfg)
	ctx := context.Background()

	require.NoError(t, g.RecordTransaction(ctx, tx(900)))

	verdict, err := g.ValidateTransaction(ctx, tx(2000))
	require.NoError(t, err)
	assert.False(t, verdict.Allowed)
	assert.Len(t, verdict.Violations, 3)
}

func TestDailyLimitExcludesBlockedTransactions(t *testing.T) {
	cfg := DefaultConfig()
	g, _ := newTestGovernance(t, cfg)
	ctx := context.Background()

	// Blocked transaction never enters the running total.
	verdict, err := g.ValidateTransaction(ctx, tx(20000))
	require.NoError(t, err)
	assert.False(t, verdict.Allowed)
	assert.Equal(t, 0.0, g.DailyTotal())

	require.NoError(t, g.RecordTransaction(ctx, tx(4000)))
	require.NoError(t, g.RecordTransaction(ctx, tx(4000)))
	assert.Equal(t, 8000.0, g.DailyTotal())
}

func TestDailyTotalResetsAtMidnight(t *testing.T) {
	g, clk := newTestGovernance(t, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, g.RecordTransaction(ctx, tx(4000)))
	assert.Equal(t, 4000.0, g.DailyTotal())

	clk.Advance(24 * time.Hour)
	assert.Equal(t, 0.0, g.DailyTotal())
}

func TestRateLimitWindowSlides(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Limits.MaxPerWindow = 2
	cfg.Limits.RateLimitWindowMinutes = 10
	g, clk := newTestGovernance(t, cfg)
	ctx := context.Background()

	require.NoError(t, g.RecordTransaction(ctx, tx(10)))
	clk.Advance(time.Minute)
	require.NoError(t, g.RecordTransaction(ctx, tx(10)))

	verdict, err := g.ValidateTransaction(ctx, tx(10))
	require.NoError(t, err)
	assert.False(t, verdict.Allowed)

	// Sliding the window past the first transaction frees one slot.
	clk.Advance(10 * time.Minute)
	verdict, err = g.ValidateTransaction(ctx, tx(10))
	require.NoError(t, err)
	assert.True(t, verdict.Allowed)
}

func TestAmountSpikeAnomaly(t *testing.T) {
	g, _ := newTestGovernance(t, DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, g.RecordTransaction(ctx, tx(100)))
	}

	// 6x the rolling mean is a high-severity spike and forces approval
	// even below the threshold.
	verdict, err := g.ValidateTransaction(ctx, tx(600))
	require.NoError(t, err)
	assert.True(t, verdict.Allowed)
	assert.True(t, verdict.RequiresApproval)
	require.NotEmpty(t, verdict.Anomalies)
	assert.Equal(t, AnomalyAmountSpike, verdict.Anomalies[0].Kind)
	assert.Equal(t, AnomalyHigh, verdict.Anomalies[0].Severity)
	assert.NotEmpty(t, verdict.ApprovalRequestID)
}

func TestModerateSpikeDoesNotForceApproval(t *testing.T) {
	g, _ := newTestGovernance(t, DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, g.RecordTransaction(ctx, tx(100)))
	}

	verdict, err := g.ValidateTransaction(ctx, tx(350))
	require.NoError(t, err)
	assert.True(t, verdict.Allowed)
	assert.False(t, verdict.RequiresApproval)
	require.NotEmpty(t, verdict.Anomalies)
	assert.Equal(t, AnomalyMedium, verdict.Anomalies[0].Severity)
	assert.NotEmpty(t, verdict.Warnings)
}

func TestRapidFireAnomaly(t *testing.T) {
	g, clk := newTestGovernance(t, DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, g.RecordTransaction(ctx, tx(100)))
		clk.Advance(10 * time.Second)
	}

	verdict, err := g.ValidateTransaction(ctx, tx(100))
	require.NoError(t, err)
	assert.True(t, verdict.RequiresApproval)

	var kinds []AnomalyKind
	for _, a := range verdict.Anomalies {
		kinds = append(kinds, a.Kind)
	}
	assert.Contains(t, kinds, AnomalyRapidFire)
}

func TestDuplicateAmountAnomaly(t *testing.T) {
	g, clk := newTestGovernance(t, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, g.RecordTransaction(ctx, tx(1234)))
	clk.Advance(2 * time.Minute)

	verdict, err := g.ValidateTransaction(ctx, tx(1234))
	require.NoError(t, err)
	require.NotEmpty(t, verdict.Anomalies)
	assert.Equal(t, AnomalyDuplicate, verdict.Anomalies[0].Kind)
	assert.Equal(t, AnomalyMedium, verdict.Anomalies[0].Severity)
	assert.False(t, verdict.RequiresApproval)

	// Outside the five-minute window the duplicate rule no longer fires.
	clk.Advance(6 * time.Minute)
	verdict, err = g.ValidateTransaction(ctx, tx(1234))
	require.NoError(t, err)
	for _, a := range verdict.Anomalies {
		assert.NotEqual(t, AnomalyDuplicate, a.Kind)
	}
}

func TestHistoryBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HistoryLimit = 5
	g, _ := newTestGovernance(t, cfg)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, g.RecordTransaction(ctx, tx(float64(i+1))))
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	require.Len(t, g.history, 5)
	assert.Equal(t, 6.0, g.history[0].amount)
}

func TestApprovalExactlyOneTerminalTransition(t *testing.T) {
	g, _ := newTestGovernance(t, DefaultConfig())
	ctx := context.Background()

	verdict, err := g.ValidateTransaction(ctx, tx(6000))
	require.NoError(t, err)
	id := verdict.ApprovalRequestID

	req, err := g.ProcessApproval(ctx, &types.ApprovalDecision{RequestID: id, Decider: "ops", Approve: true})
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalApproved, req.Status)
	assert.Equal(t, "ops", req.Decider)
	require.NotNil(t, req.DecidedAt)

	_, err = g.ProcessApproval(ctx, &types.ApprovalDecision{RequestID: id, Decider: "ops", Approve: false})
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindPolicyViolation))
}

func TestExpiredApprovalCannotBeApproved(t *testing.T) {
	g, clk := newTestGovernance(t, DefaultConfig())
	ctx := context.Background()

	verdict, err := g.ValidateTransaction(ctx, tx(6000))
	require.NoError(t, err)
	id := verdict.ApprovalRequestID

	clk.Advance(25 * time.Hour)
	_, err = g.ProcessApproval(ctx, &types.ApprovalDecision{RequestID: id, Decider: "ops", Approve: true})
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindExpired))

	req, err := g.GetApproval(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalExpired, req.Status)
}

func TestExpireStaleApprovals(t *testing.T) {
	g, clk := newTestGovernance(t, DefaultConfig())
	ctx := context.Background()

	v1, err := g.ValidateTransaction(ctx, tx(6000))
	require.NoError(t, err)

	clk.Advance(25 * time.Hour)
	v2, err := g.ValidateTransaction(ctx, tx(7000))
	require.NoError(t, err)

	expired, err := g.ExpireStaleApprovals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	r1, _ := g.GetApproval(ctx, v1.ApprovalRequestID)
	assert.Equal(t, types.ApprovalExpired, r1.Status)
	r2, _ := g.GetApproval(ctx, v2.ApprovalRequestID)
	assert.Equal(t, types.ApprovalPending, r2.Status)
}

func TestDecisionTokenRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DecisionTokenSecret = []byte("test-token-secret-material")
	g, _ := newTestGovernance(t, cfg)
	ctx := context.Background()

	verdict, err := g.ValidateTransaction(ctx, tx(6000))
	require.NoError(t, err)
	id := verdict.ApprovalRequestID

	token, err := g.DecisionToken(ctx, id, "ops")
	require.NoError(t, err)

	// A token minted for one decider does not authorize another.
	_, err = g.ProcessApproval(ctx, &types.ApprovalDecision{
		RequestID: id, Decider: "someone-else", Approve: true, Token: token,
	})
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindUnauthorized))

	req, err := g.ProcessApproval(ctx, &types.ApprovalDecision{
		RequestID: id, Decider: "ops", Approve: true, Token: token,
	})
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalApproved, req.Status)
}

func TestUpdateLimitsRejectsInvalid(t *testing.T) {
	g, _ := newTestGovernance(t, DefaultConfig())

	bad := DefaultLimits()
	bad.MaxTransactionAmount = -1
	require.Error(t, g.UpdateLimits(bad))
	assert.Equal(t, DefaultLimits(), g.CurrentLimits())
}

func TestLoadLimits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "limits.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"max_transaction_amount: 2000\ndaily_spend_limit: 9000\napproval_threshold: 1500\n",
	), 0o600))

	limits, err := LoadLimits(path)
	require.NoError(t, err)
	assert.Equal(t, 2000.0, limits.MaxTransactionAmount)
	assert.Equal(t, 9000.0, limits.DailyLimit)
	assert.Equal(t, 1500.0, limits.ApprovalThreshold)
	// Unspecified fields keep their defaults.
	assert.Equal(t, DefaultLimits().MaxPerWindow, limits.MaxPerWindow)
}

func TestLimitsWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "limits.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"max_transaction_amount: 2000\ndaily_spend_limit: 9000\napproval_threshold: 1500\n",
	), 0o600))

	g, _ := newTestGovernance(t, DefaultConfig())
	w, err := NewLimitsWatcher(path, g, nil)
	require.NoError(t, err)
	w.debounceTimeout = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Watch(ctx))
	defer w.Stop()

	// Drain the initial-load event.
	ev := <-w.EventChan()
	require.NoError(t, ev.Error)
	assert.Equal(t, 2000.0, g.CurrentLimits().MaxTransactionAmount)

	require.NoError(t, os.WriteFile(path, []byte(
		"max_transaction_amount: 3000\ndaily_spend_limit: 9000\napproval_threshold: 1500\n",
	), 0o600))

	select {
	case ev := <-w.EventChan():
		require.NoError(t, ev.Error)
		assert.Equal(t, 3000.0, ev.Limits.MaxTransactionAmount)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for limits reload")
	}

	assert.Equal(t, 3000.0, g.CurrentLimits().MaxTransactionAmount)
}

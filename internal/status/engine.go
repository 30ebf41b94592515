// Package status observes workflows and license expirations. It tracks
// progress, grades entity risk, and issues renewal alerts exactly once per
// alert class and window bucket.
package status

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/otrix/occam-agents/internal/audit"
	"github.com/otrix/occam-agents/internal/clock"
	"github.com/otrix/occam-agents/internal/factbox"
	"github.com/otrix/occam-agents/internal/metrics"
	"github.com/otrix/occam-agents/internal/workflow"
	"github.com/otrix/occam-agents/pkg/types"
)

// Config configures the status engine.
type Config struct {
	// SweepInterval is how often the renewal sweep runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// WarningDays and CriticalDays are the renewal alert windows.
	WarningDays  int `yaml:"renewal_warning_days"`
	CriticalDays int `yaml:"renewal_critical_days"`

	// DaysPerPendingAction feeds the completion estimate.
	DaysPerPendingAction int `yaml:"days_per_pending_action"`
}

// DefaultConfig returns status-engine defaults.
func DefaultConfig() Config {
	return Config{
		SweepInterval:        time.Hour,
		WarningDays:          30,
		CriticalDays:         7,
		DaysPerPendingAction: 3,
	}
}

// Channel delivers alerts. Non-delivery on one channel must not block the
// others.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, alert *types.Alert) error
}

// Engine is the status and alert engine.
type Engine struct {
	cfg      Config
	store    workflow.Store
	facts    *factbox.FactBox
	audit    *audit.Log
	clock    clock.Clock
	metrics  *metrics.Metrics
	logger   *zap.Logger
	channels []Channel
}

// New creates a status engine.
func New(cfg Config, store workflow.Store, facts *factbox.FactBox, auditLog *audit.Log, clk clock.Clock, m *metrics.Metrics, logger *zap.Logger) *Engine {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Hour
	}
	if cfg.WarningDays <= 0 {
		cfg.WarningDays = 30
	}
	if cfg.CriticalDays <= 0 {
		cfg.CriticalDays = 7
	}
	if cfg.DaysPerPendingAction <= 0 {
		cfg.DaysPerPendingAction = 3
	}
	if m == nil {
		m = metrics.Nop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:     cfg,
		store:   store,
		facts:   facts,
		audit:   auditLog,
		clock:   clk,
		metrics: m,
		logger:  logger,
	}
}

// AddChannel registers a delivery channel.
func (e *Engine) AddChannel(ch Channel) {
	e.channels = append(e.channels, ch)
}

// TrackProgress returns a progress snapshot for one workflow. The completion
// estimate is now plus a fixed allowance per pending action.
func (e *Engine) TrackProgress(ctx context.Context, workflowID string) (*types.ProgressSnapshot, error) {
	wf, err := e.store.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	pending := len(wf.PendingActions)
	estimate := now.Add(time.Duration(pending*e.cfg.DaysPerPendingAction) * 24 * time.Hour)
	if wf.CurrentStage.IsTerminal() {
		estimate = wf.UpdatedAt
	}

	return &types.ProgressSnapshot{
		WorkflowID:            wf.ID,
		Stage:                 wf.CurrentStage,
		PercentComplete:       wf.Progress(),
		TimeInCurrentStage:    now.Sub(wf.EnteredCurrentStageAt()),
		PendingActions:        pending,
		EstimatedCompletionAt: estimate,
	}, nil
}

// GenerateSummary aggregates all workflows of an entity into one risk-scored
// view. Risk is critical when more than 30% of workflows failed, high above
// 10%, medium when any workflow awaits approval, otherwise low.
func (e *Engine) GenerateSummary(ctx context.Context, entityID string) (*types.EntitySummary, error) {
	workflows, err := e.store.ListByEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}

	summary := &types.EntitySummary{
		EntityID:       entityID,
		TotalWorkflows: len(workflows),
		GeneratedAt:    e.clock.Now(),
	}
	for _, wf := range workflows {
		switch {
		case wf.CurrentStage == types.StageFailed:
			summary.Failed++
		case wf.CurrentStage == types.StageCompleted:
			summary.Completed++
		case wf.CurrentStage == types.StageAwaitingApproval:
			summary.AwaitingApproval++
			summary.Active++
		default:
			summary.Active++
		}
	}

	summary.Risk = types.RiskLow
	if summary.AwaitingApproval > 0 {
		summary.Risk = types.RiskMedium
	}
	if summary.TotalWorkflows > 0 {
		failedRatio := float64(summary.Failed) / float64(summary.TotalWorkflows)
		switch {
		case failedRatio > 0.3:
			summary.Risk = types.RiskCritical
		case failedRatio > 0.1:
			summary.Risk = types.RiskHigh
		}
	}
	return summary, nil
}

// Run executes the renewal sweep on its interval until the context ends.
// The interval timer comes from the injected clock.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.clock.After(e.cfg.SweepInterval):
			if _, err := e.RunRenewalSweep(ctx); err != nil {
				e.logger.Error("renewal sweep failed", zap.Error(err))
			}
		}
	}
}

// RunRenewalSweep scans licenses nearing expiry and issues warning and
// critical alerts. A delivery receipt in the audit log keyed on license,
// alert class, and window bucket makes each alert exactly-once per bucket.
func (e *Engine) RunRenewalSweep(ctx context.Context) (int, error) {
	licenses, err := e.facts.GetExpiringLicenses(ctx, e.cfg.WarningDays)
	if err != nil {
		return 0, err
	}

	now := e.clock.Now()
	issued := 0
	for _, license := range licenses {
		days := license.DaysToExpiry(now)

		kind := types.AlertRenewalWarning
		severity := types.SeverityWarning
		if days <= e.cfg.CriticalDays {
			kind = types.AlertRenewalCritical
			severity = types.SeverityCritical
		}

		receiptKey := receiptKey(license.ID, kind, windowBucket(license.ExpiryDate, now))
		delivered, err := e.alreadyDelivered(ctx, receiptKey)
		if err != nil {
			return issued, err
		}
		if delivered {
			continue
		}

		alert := &types.Alert{
			ID:        "alert-" + uuid.New().String(),
			EntityID:  license.EntityID,
			LicenseID: license.ID,
			Severity:  severity,
			Kind:      kind,
			CreatedAt: now,
			Payload: map[string]interface{}{
				"license_name":   license.Name,
				"authority":      license.Authority,
				"days_to_expiry": days,
				"expiry_date":    license.ExpiryDate,
			},
		}
		e.deliver(ctx, alert)

		if err := e.recordReceipt(ctx, alert, receiptKey); err != nil {
			return issued, err
		}
		issued++
	}
	return issued, nil
}

// deliver fans an alert out to every channel. A failing channel is logged
// and skipped.
func (e *Engine) deliver(ctx context.Context, alert *types.Alert) {
	for _, ch := range e.channels {
		if err := ch.Deliver(ctx, alert); err != nil {
			e.logger.Warn("alert delivery failed",
				zap.String("channel", ch.Name()),
				zap.String("alert_id", alert.ID),
				zap.Error(err),
			)
			continue
		}
		alert.DeliveredVia = append(alert.DeliveredVia, ch.Name())
	}
	e.metrics.RecordAlert(string(alert.Kind))
}

func (e *Engine) alreadyDelivered(ctx context.Context, receiptKey string) (bool, error) {
	events, err := e.audit.Query(ctx, audit.Filter{Action: "alert.delivered", Limit: 0})
	if err != nil {
		return false, err
	}
	for _, ev := range events {
		if key, _ := ev.Payload["receipt_key"].(string); key == receiptKey {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) recordReceipt(ctx context.Context, alert *types.Alert, receiptKey string) error {
	ev := types.NewAuditEvent("status-engine", "alert.delivered").
		WithEntity(alert.EntityID).
		WithSeverity(alert.Severity).
		WithPayload("receipt_key", receiptKey).
		WithPayload("alert_id", alert.ID).
		WithPayload("kind", string(alert.Kind)).
		WithPayload("license_id", alert.LicenseID).
		WithPayload("delivered_via", alert.DeliveredVia).
		Build()
	_, err := e.audit.Log(ctx, ev)
	return err
}

// receiptKey identifies one alert delivery for dedupe.
func receiptKey(licenseID string, kind types.AlertKind, bucket string) string {
	return fmt.Sprintf("%s:%s:%s", licenseID, kind, bucket)
}

// windowBucket identifies the expiry window an alert belongs to, so a
// license alerted in one window can alert again for a later renewal cycle.
func windowBucket(expiry, now time.Time) string {
	return expiry.UTC().Format("2006-01-02")
}

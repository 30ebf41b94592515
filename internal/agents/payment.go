package agents

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/otrix/occam-agents/pkg/types"
)

// Provider is the pluggable payment backend. Charge must be idempotent on
// the reference; a repeated Charge with the same reference is a no-op.
type Provider interface {
	Charge(ctx context.Context, reference string, amount float64, currency string) error
	Refund(ctx context.Context, reference string) error
}

// MemoryProvider is the in-process provider used by default and in tests.
type MemoryProvider struct {
	mu       sync.Mutex
	charges  map[string]float64
	refunded map[string]bool
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		charges:  make(map[string]float64),
		refunded: make(map[string]bool),
	}
}

func (p *MemoryProvider) Charge(ctx context.Context, reference string, amount float64, currency string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.charges[reference]; ok {
		return nil
	}
	p.charges[reference] = amount
	return nil
}

func (p *MemoryProvider) Refund(ctx context.Context, reference string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.charges[reference]; !ok {
		return types.E(types.KindNotFound, "provider.refund", "no charge with reference %s", reference)
	}
	p.refunded[reference] = true
	return nil
}

// Charged reports the amount charged under a reference.
func (p *MemoryProvider) Charged(reference string) (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	amount, ok := p.charges[reference]
	return amount, ok
}

// Refunded reports whether a reference was refunded.
func (p *MemoryProvider) Refunded(reference string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refunded[reference]
}

// PaymentAgent charges regulator fees through the configured provider. The
// charge reference is derived from the idempotency key, so a retried stage
// cannot double-charge. It compensates by refunding.
type PaymentAgent struct {
	provider Provider
	logger   *zap.Logger
}

func NewPaymentAgent(provider Provider, logger *zap.Logger) *PaymentAgent {
	if provider == nil {
		provider = NewMemoryProvider()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaymentAgent{provider: provider, logger: logger}
}

func (a *PaymentAgent) Manifest() types.AgentManifest {
	return types.AgentManifest{
		ID:      PaymentAgentID,
		Type:    "payment",
		Version: builtinVersion,
		Stages:  []types.Stage{types.StagePay},
		Capabilities: types.Capabilities{
			EstimatedLatencyMs: latencyEstimate(5 * time.Second),
		},
		Retry: types.RetryPolicy{MaxRetries: 3},
	}
}

func (a *PaymentAgent) Execute(ctx context.Context, stage types.Stage, ec *types.ExecutionContext) (*types.ExecutionResult, error) {
	amount, _ := ec.Payload["amount"].(float64)
	if amount <= 0 {
		return nil, types.E(types.KindValidation, "payment.execute",
			"payment stage reached with non-positive amount %.2f", amount)
	}
	currency := stringField(ec.Payload, "currency")
	if currency == "" {
		return nil, types.E(types.KindValidation, "payment.execute", "currency is required")
	}

	reference := "chg-" + checksum(ec.ChecksumSeed, ec.IdempotencyKey, "charge")
	if err := a.provider.Charge(ctx, reference, amount, currency); err != nil {
		return nil, types.WrapE(types.KindTransient, "payment.execute", err)
	}

	a.logger.Info("fee charged",
		zap.String("workflow_id", ec.WorkflowID),
		zap.String("reference", reference),
		zap.Float64("amount", amount),
		zap.String("currency", currency),
	)
	return okResult(PaymentAgentID, 1.0, map[string]interface{}{
		"charge_reference": reference,
		"amount":           amount,
		"currency":         currency,
	}), nil
}

// Compensate refunds the prior charge.
func (a *PaymentAgent) Compensate(ctx context.Context, ec *types.ExecutionContext, prior *types.ExecutionResult) error {
	reference, _ := prior.Data["charge_reference"].(string)
	if reference == "" {
		return types.E(types.KindValidation, "payment.compensate", "prior result has no charge reference")
	}
	if err := a.provider.Refund(ctx, reference); err != nil {
		return err
	}
	a.logger.Info("charge refunded",
		zap.String("workflow_id", ec.WorkflowID),
		zap.String("reference", reference),
	)
	return nil
}

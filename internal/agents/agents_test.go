package agents

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otrix/occam-agents/internal/audit"
	"github.com/otrix/occam-agents/internal/clock"
	"github.com/otrix/occam-agents/internal/factbox"
	"github.com/otrix/occam-agents/internal/vault"
	"github.com/otrix/occam-agents/pkg/types"
)

type agentEnv struct {
	facts *factbox.FactBox
	vault *vault.Vault
	clk   *clock.Manual
}

func newAgentEnv(t *testing.T) *agentEnv {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	log, err := audit.New(audit.NewMemoryStore(), clk, audit.DefaultConfig(), nil)
	require.NoError(t, err)

	facts, err := factbox.New(factbox.NewMemoryStore(), factbox.NewCache(factbox.DefaultCacheConfig(), clk, nil), log, clk, nil)
	require.NoError(t, err)

	key := make([]byte, 32)
	copy(key, "0123456789abcdef0123456789abcdef")
	v, err := vault.New(key, vault.NewMemoryStore(), log, clk, vault.DefaultPasswordPolicy(), nil)
	require.NoError(t, err)

	return &agentEnv{facts: facts, vault: v, clk: clk}
}

func (e *agentEnv) execContext(payload map[string]interface{}) *types.ExecutionContext {
	return &types.ExecutionContext{
		WorkflowID:     "wf-1",
		EntityID:       "ent-1",
		TraceID:        "trace-1",
		Facts:          e.facts,
		Credentials:    e.vault,
		PriorResults:   make(map[string]*types.ExecutionResult),
		ChecksumSeed:   42,
		IdempotencyKey: "wf-1:pay:0",
		Payload:        payload,
	}
}

func (e *agentEnv) saveEntity(t *testing.T, kyc types.KYCStatus) {
	t.Helper()
	require.NoError(t, e.facts.SaveEntity(context.Background(), &types.Entity{
		ID: "ent-1", Name: "Acme Trading Ltd", Type: "company",
		Jurisdiction: "UK", KYCStatus: kyc,
	}))
}

func TestComplianceAgentApply(t *testing.T) {
	env := newAgentEnv(t)
	env.saveEntity(t, types.KYCVerified)
	ctx := context.Background()

	require.NoError(t, env.facts.SaveRule(ctx, &types.RegulatoryRule{
		ID: "r-1", Regulation: "MiFID II", Jurisdiction: "UK",
		EffectiveFrom: env.clk.Now().AddDate(-1, 0, 0),
	}))

	agent := NewComplianceAgent(nil)
	res, err := agent.Execute(ctx, types.StageApply, env.execContext(map[string]interface{}{
		"regulation": "MiFID II",
	}))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, true, res.Data["kyc_verified"])
	assert.Equal(t, []string{"r-1"}, res.Data["rules_in_scope"])
}

func TestComplianceAgentRejectsUnverifiedKYC(t *testing.T) {
	env := newAgentEnv(t)
	env.saveEntity(t, types.KYCUnverified)

	agent := NewComplianceAgent(nil)
	_, err := agent.Execute(context.Background(), types.StageApply, env.execContext(nil))
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindPolicyViolation))
	assert.False(t, types.Retryable(err))
}

func TestComplianceAgentVerifyFlagsSuspendedLicense(t *testing.T) {
	env := newAgentEnv(t)
	env.saveEntity(t, types.KYCVerified)
	ctx := context.Background()

	require.NoError(t, env.facts.SaveLicense(ctx, &types.License{
		ID: "lic-1", EntityID: "ent-1", Status: types.LicenseSuspended,
		IssueDate:  env.clk.Now().AddDate(-1, 0, 0),
		ExpiryDate: env.clk.Now().AddDate(1, 0, 0),
	}))

	agent := NewComplianceAgent(nil)
	_, err := agent.Execute(ctx, types.StageVerify, env.execContext(nil))
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindPolicyViolation))
}

func TestConsultancyAgentPlansActions(t *testing.T) {
	env := newAgentEnv(t)
	ec := env.execContext(map[string]interface{}{"amount": 500.0})
	ec.PriorResults[ComplianceAgentID] = &types.ExecutionResult{
		AgentID: ComplianceAgentID,
		Success: true,
		Data:    map[string]interface{}{"rules_in_scope": []string{"r-1", "r-2"}},
	}

	agent := NewConsultancyAgent(nil)
	res, err := agent.Execute(context.Background(), types.StageApply, ec)
	require.NoError(t, err)
	actions := res.Data["recommended_actions"].([]map[string]interface{})
	require.Len(t, actions, 3)
	assert.Equal(t, string(types.ActionFiling), actions[0]["kind"])
	assert.Equal(t, string(types.ActionPayment), actions[2]["kind"])
	assert.InDelta(t, 0.85, res.Confidence, 0.001)
}

func TestFormAgentMapsPayloadFields(t *testing.T) {
	env := newAgentEnv(t)
	agent := NewFormAgent(nil, []string{"entity_name"}, nil)

	res, err := agent.Execute(context.Background(), types.StageSubmit, env.execContext(map[string]interface{}{
		"entity_name": "Acme Trading Ltd",
		"amount":      250.0,
		"internal_id": "x-99",
	}))
	require.NoError(t, err)
	form := res.Data["form"].(map[string]interface{})
	assert.Equal(t, "Acme Trading Ltd", form["applicant_name"])
	assert.Equal(t, 250.0, form["fee_amount"])
	_, mapped := form["internal_id"]
	assert.False(t, mapped)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "internal_id")
}

func TestFormAgentRequiresDeclaredFields(t *testing.T) {
	env := newAgentEnv(t)
	agent := NewFormAgent(nil, []string{"entity_name"}, nil)

	_, err := agent.Execute(context.Background(), types.StageSubmit, env.execContext(map[string]interface{}{
		"amount": 250.0,
	}))
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindValidation))
}

func TestFormAgentReferenceDeterministicWithSeed(t *testing.T) {
	env := newAgentEnv(t)
	agent := NewFormAgent(nil, nil, nil)
	payload := map[string]interface{}{"entity_name": "Acme Trading Ltd"}

	first, err := agent.Execute(context.Background(), types.StageSubmit, env.execContext(payload))
	require.NoError(t, err)
	second, err := agent.Execute(context.Background(), types.StageSubmit, env.execContext(payload))
	require.NoError(t, err)
	assert.Equal(t, first.Data["form_reference"], second.Data["form_reference"])
}

func TestPaymentAgentChargesOncePerAttempt(t *testing.T) {
	env := newAgentEnv(t)
	provider := NewMemoryProvider()
	agent := NewPaymentAgent(provider, nil)
	ctx := context.Background()

	payload := map[string]interface{}{"amount": 150.0, "currency": "EUR"}
	res, err := agent.Execute(ctx, types.StagePay, env.execContext(payload))
	require.NoError(t, err)
	reference := res.Data["charge_reference"].(string)
	charged, ok := provider.Charged(reference)
	require.True(t, ok)
	assert.Equal(t, 150.0, charged)

	// A retried attempt reuses the idempotency key and must not double-charge.
	res2, err := agent.Execute(ctx, types.StagePay, env.execContext(payload))
	require.NoError(t, err)
	assert.Equal(t, reference, res2.Data["charge_reference"])
}

func TestPaymentAgentCompensatesByRefunding(t *testing.T) {
	env := newAgentEnv(t)
	provider := NewMemoryProvider()
	agent := NewPaymentAgent(provider, nil)
	ctx := context.Background()

	ec := env.execContext(map[string]interface{}{"amount": 150.0, "currency": "EUR"})
	res, err := agent.Execute(ctx, types.StagePay, ec)
	require.NoError(t, err)

	require.NoError(t, agent.Compensate(ctx, ec, res))
	assert.True(t, provider.Refunded(res.Data["charge_reference"].(string)))
}

func TestPaymentAgentRejectsNonPositiveAmount(t *testing.T) {
	env := newAgentEnv(t)
	agent := NewPaymentAgent(NewMemoryProvider(), nil)

	_, err := agent.Execute(context.Background(), types.StagePay, env.execContext(map[string]interface{}{
		"amount": 0.0, "currency": "EUR",
	}))
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindValidation))
}

func TestAccountAgentStoresGeneratedPassword(t *testing.T) {
	env := newAgentEnv(t)
	agent := NewAccountAgent(env.clk, nil)
	ctx := context.Background()

	res, err := agent.Execute(ctx, types.StageVerify, env.execContext(nil))
	require.NoError(t, err)
	assert.Equal(t, true, res.Data["password_generated"])

	credentialID := res.Data["credential_id"].(string)
	plaintext, err := env.vault.Get(ctx, credentialID)
	require.NoError(t, err)
	require.NoError(t, vault.DefaultPasswordPolicy().Validate(string(plaintext)))
}

func TestAccountAgentRejectsWeakSuppliedPassword(t *testing.T) {
	env := newAgentEnv(t)
	agent := NewAccountAgent(env.clk, nil)

	_, err := agent.Execute(context.Background(), types.StageVerify, env.execContext(map[string]interface{}{
		"portal_password": "12345",
	}))
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindValidation))
	assert.NotContains(t, err.Error(), "12345")
}

func TestStatusAgentConfirmationStableAcrossRetries(t *testing.T) {
	env := newAgentEnv(t)
	agent := NewStatusAgent(nil)
	ctx := context.Background()

	first, err := agent.Execute(ctx, types.StageConfirm, env.execContext(nil))
	require.NoError(t, err)
	second, err := agent.Execute(ctx, types.StageConfirm, env.execContext(nil))
	require.NoError(t, err)
	assert.Equal(t, first.Data["confirmation"], second.Data["confirmation"])
	assert.Equal(t, true, first.Data["confirmed"])
}

func TestGeneratedPasswordsMeetPolicy(t *testing.T) {
	policy := vault.DefaultPasswordPolicy()
	for i := 0; i < 20; i++ {
		pw, err := generatePassword(20)
		require.NoError(t, err)
		assert.NoError(t, policy.Validate(pw))
	}
}

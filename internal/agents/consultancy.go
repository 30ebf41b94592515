package agents

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/otrix/occam-agents/pkg/types"
)

// ConsultancyAgent turns the compliance agent's rule findings into concrete
// compliance actions for the rest of the pipeline. It runs after the
// compliance agent within the apply stage.
type ConsultancyAgent struct {
	logger *zap.Logger
}

func NewConsultancyAgent(logger *zap.Logger) *ConsultancyAgent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConsultancyAgent{logger: logger}
}

func (a *ConsultancyAgent) Manifest() types.AgentManifest {
	return types.AgentManifest{
		ID:           ConsultancyAgentID,
		Type:         "consultancy",
		Version:      builtinVersion,
		Stages:       []types.Stage{types.StageApply},
		Dependencies: []string{ComplianceAgentID},
		Capabilities: types.Capabilities{
			SupportsContextChaining: true,
			RequiresFactBox:         true,
			EstimatedLatencyMs:      latencyEstimate(time.Second),
		},
		Retry: types.RetryPolicy{MaxRetries: 2},
	}
}

func (a *ConsultancyAgent) Execute(ctx context.Context, stage types.Stage, ec *types.ExecutionContext) (*types.ExecutionResult, error) {
	var ruleIDs []string
	if prior, ok := ec.PriorResults[ComplianceAgentID]; ok && prior.Data != nil {
		ruleIDs, _ = prior.Data["rules_in_scope"].([]string)
	}

	// One filing action per rule in scope, plus a payment action when the
	// request carries an amount.
	actions := make([]map[string]interface{}, 0, len(ruleIDs)+1)
	for _, ruleID := range ruleIDs {
		actions = append(actions, map[string]interface{}{
			"kind":    string(types.ActionFiling),
			"rule_id": ruleID,
		})
	}
	if amount, _ := ec.Payload["amount"].(float64); amount > 0 {
		actions = append(actions, map[string]interface{}{
			"kind":   string(types.ActionPayment),
			"amount": amount,
		})
	}

	confidence := 0.85
	if len(ruleIDs) == 0 {
		// Nothing in scope to ground the advice on.
		confidence = 0.5
	}

	a.logger.Debug("consultancy plan drawn up",
		zap.String("workflow_id", ec.WorkflowID),
		zap.Int("actions", len(actions)),
	)
	return okResult(ConsultancyAgentID, confidence, map[string]interface{}{
		"recommended_actions": actions,
	}), nil
}

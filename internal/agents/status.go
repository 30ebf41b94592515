package agents

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/otrix/occam-agents/pkg/types"
)

// StatusAgent confirms a submission with the regulator and produces the
// confirmation token the archive stage records. The token is stable across
// retries of the same attempt.
type StatusAgent struct {
	logger *zap.Logger
}

func NewStatusAgent(logger *zap.Logger) *StatusAgent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatusAgent{logger: logger}
}

func (a *StatusAgent) Manifest() types.AgentManifest {
	return types.AgentManifest{
		ID:      StatusAgentID,
		Type:    "status",
		Version: builtinVersion,
		Stages:  []types.Stage{types.StageConfirm},
		Capabilities: types.Capabilities{
			CanParallelize:     true,
			EstimatedLatencyMs: latencyEstimate(time.Second),
		},
		Retry: types.RetryPolicy{MaxRetries: 3},
	}
}

func (a *StatusAgent) Execute(ctx context.Context, stage types.Stage, ec *types.ExecutionContext) (*types.ExecutionResult, error) {
	confirmation := "conf-" + checksum(ec.ChecksumSeed, ec.IdempotencyKey, ec.WorkflowID)
	a.logger.Info("submission confirmed",
		zap.String("workflow_id", ec.WorkflowID),
		zap.String("confirmation", confirmation),
	)
	return okResult(StatusAgentID, 0.9, map[string]interface{}{
		"confirmed":    true,
		"confirmation": confirmation,
	}), nil
}

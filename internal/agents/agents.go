// Package agents provides the built-in specialist agents. Each one is a
// stateless actor behind the uniform Agent contract; side-effecting agents
// dedupe on the execution context's idempotency key.
package agents

import (
	"fmt"
	"hash/fnv"
	"time"

	"github.com/otrix/occam-agents/pkg/types"
)

// Default agent IDs, used by the registry wiring and by dependency
// declarations between built-in agents.
const (
	ComplianceAgentID  = "compliance-agent"
	ConsultancyAgentID = "consultancy-agent"
	FormAgentID        = "form-agent"
	PaymentAgentID     = "payment-agent"
	AccountAgentID     = "account-agent"
	StatusAgentID      = "status-agent"
)

const builtinVersion = "1.4.0"

// checksum derives a stable reference token from the seed and parts. With a
// fixed seed the same invocation always produces the same token.
func checksum(seed int64, parts ...string) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d", seed)
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

func okResult(agentID string, confidence float64, data map[string]interface{}) *types.ExecutionResult {
	return &types.ExecutionResult{
		AgentID:    agentID,
		Success:    true,
		Confidence: confidence,
		Data:       data,
	}
}

func stringField(payload map[string]interface{}, key string) string {
	if payload == nil {
		return ""
	}
	s, _ := payload[key].(string)
	return s
}

func latencyEstimate(d time.Duration) int64 { return d.Milliseconds() }

package agents

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/otrix/occam-agents/pkg/types"
)

// FormAgent assembles regulator-facing submission forms. Field names are
// mapped from workflow payload keys through the declarative rules in the
// agent's manifest; the agent never inspects payload values by reflection.
type FormAgent struct {
	mappings map[string]string
	required []string
	logger   *zap.Logger
}

// NewFormAgent builds a form agent with the given payload-key to form-field
// mappings. Keys listed in required must be present in the payload.
func NewFormAgent(mappings map[string]string, required []string, logger *zap.Logger) *FormAgent {
	if logger == nil {
		logger = zap.NewNop()
	}
	if mappings == nil {
		mappings = DefaultFieldMappings()
	}
	return &FormAgent{mappings: mappings, required: required, logger: logger}
}

// DefaultFieldMappings maps the standard submission payload onto the common
// regulator form schema.
func DefaultFieldMappings() map[string]string {
	return map[string]string{
		"entity_name":  "applicant_name",
		"regulation":   "regulation_reference",
		"amount":       "fee_amount",
		"currency":     "fee_currency",
		"requested_by": "submitted_by",
	}
}

func (a *FormAgent) Manifest() types.AgentManifest {
	return types.AgentManifest{
		ID:      FormAgentID,
		Type:    "form",
		Version: builtinVersion,
		Stages:  []types.Stage{types.StageSubmit},
		Capabilities: types.Capabilities{
			SupportsContextChaining: true,
			EstimatedLatencyMs:      latencyEstimate(3 * time.Second),
		},
		Retry:         types.RetryPolicy{MaxRetries: 3},
		FieldMappings: a.mappings,
	}
}

func (a *FormAgent) Execute(ctx context.Context, stage types.Stage, ec *types.ExecutionContext) (*types.ExecutionResult, error) {
	for _, key := range a.required {
		if _, ok := ec.Payload[key]; !ok {
			return nil, types.E(types.KindValidation, "form.execute",
				"required payload field %q is missing", key)
		}
	}

	form := make(map[string]interface{}, len(a.mappings))
	var unmapped []string
	keys := make([]string, 0, len(ec.Payload))
	for key := range ec.Payload {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		field, ok := a.mappings[key]
		if !ok {
			unmapped = append(unmapped, key)
			continue
		}
		form[field] = ec.Payload[key]
	}

	var warnings []string
	for _, key := range unmapped {
		warnings = append(warnings, "payload field "+key+" has no form mapping")
	}

	reference := "form-" + checksum(ec.ChecksumSeed, ec.WorkflowID, "form")
	a.logger.Debug("form assembled",
		zap.String("workflow_id", ec.WorkflowID),
		zap.String("form_reference", reference),
		zap.Int("fields", len(form)),
	)
	return &types.ExecutionResult{
		AgentID:    FormAgentID,
		Success:    true,
		Confidence: 0.9,
		Warnings:   warnings,
		Data: map[string]interface{}{
			"form_reference": reference,
			"form":           form,
		},
	}, nil
}

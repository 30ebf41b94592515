package agents

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/otrix/occam-agents/pkg/types"
)

// ComplianceAgent checks that the entity behind a workflow is fit to proceed.
// On apply it verifies KYC standing and collects the regulatory rules in
// scope; on verify it confirms the entity's licenses are usable.
type ComplianceAgent struct {
	logger *zap.Logger
}

func NewComplianceAgent(logger *zap.Logger) *ComplianceAgent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ComplianceAgent{logger: logger}
}

func (a *ComplianceAgent) Manifest() types.AgentManifest {
	return types.AgentManifest{
		ID:      ComplianceAgentID,
		Type:    "compliance",
		Version: builtinVersion,
		Stages:  []types.Stage{types.StageApply, types.StageVerify},
		Capabilities: types.Capabilities{
			RequiresFactBox:    true,
			CanParallelize:     true,
			EstimatedLatencyMs: latencyEstimate(2 * time.Second),
		},
		Retry: types.RetryPolicy{MaxRetries: 3},
	}
}

func (a *ComplianceAgent) Execute(ctx context.Context, stage types.Stage, ec *types.ExecutionContext) (*types.ExecutionResult, error) {
	entity, err := ec.Facts.GetEntity(ctx, ec.EntityID)
	if err != nil {
		return nil, err
	}

	switch stage {
	case types.StageApply:
		return a.apply(ctx, entity, ec)
	case types.StageVerify:
		return a.verify(ctx, entity, ec)
	default:
		return nil, types.E(types.KindValidation, "compliance.execute", "stage %s not handled", stage)
	}
}

func (a *ComplianceAgent) apply(ctx context.Context, entity *types.Entity, ec *types.ExecutionContext) (*types.ExecutionResult, error) {
	verified, err := ec.Facts.VerifyKYC(ctx, entity.ID)
	if err != nil {
		return nil, err
	}
	if !verified {
		return nil, types.E(types.KindPolicyViolation, "compliance.apply",
			"entity %s has not passed KYC verification", entity.ID)
	}

	regulation := stringField(ec.Payload, "regulation")
	rules, err := ec.Facts.GetRegulatoryRules(ctx, regulation, entity.Jurisdiction)
	if err != nil {
		return nil, err
	}

	ruleIDs := make([]string, 0, len(rules))
	for _, r := range rules {
		ruleIDs = append(ruleIDs, r.ID)
	}
	a.logger.Debug("compliance check passed",
		zap.String("entity_id", entity.ID),
		zap.Int("rules_in_scope", len(rules)),
	)
	return okResult(ComplianceAgentID, 0.95, map[string]interface{}{
		"kyc_verified":   true,
		"jurisdiction":   entity.Jurisdiction,
		"rules_in_scope": ruleIDs,
	}), nil
}

func (a *ComplianceAgent) verify(ctx context.Context, entity *types.Entity, ec *types.ExecutionContext) (*types.ExecutionResult, error) {
	licenses, err := ec.Facts.GetLicensesByEntity(ctx, entity.ID)
	if err != nil {
		return nil, err
	}

	var warnings []string
	active := 0
	for _, lic := range licenses {
		switch lic.Status {
		case types.LicenseActive:
			active++
		case types.LicenseSuspended:
			return nil, types.E(types.KindPolicyViolation, "compliance.verify",
				"license %s is %s", lic.ID, lic.Status)
		default:
			warnings = append(warnings, "license "+lic.ID+" is "+string(lic.Status))
		}
	}

	return &types.ExecutionResult{
		AgentID:    ComplianceAgentID,
		Success:    true,
		Confidence: 0.9,
		Warnings:   warnings,
		Data: map[string]interface{}{
			"active_licenses": active,
			"total_licenses":  len(licenses),
		},
	}, nil
}

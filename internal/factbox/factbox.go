// Package factbox is the trusted read interface over entity, license, and
// regulatory-rule data. Reads may be served from a TTL-bounded cache; every
// write invalidates the cache and emits an audit event before returning.
package factbox

import (
	"context"
	"math"

	"go.uber.org/zap"

	"github.com/otrix/occam-agents/internal/audit"
	"github.com/otrix/occam-agents/internal/clock"
	"github.com/otrix/occam-agents/pkg/types"
)

// WorkflowCounter reports active workflows per entity for status snapshots.
// The orchestrator's workflow store satisfies this.
type WorkflowCounter interface {
	CountActive(ctx context.Context, entityID string) (int, error)
}

// FactBox serves verified entity, license, and regulatory-rule lookups.
type FactBox struct {
	store     Store
	cache     *Cache
	rules     *RuleEngine
	audit     *audit.Log
	clock     clock.Clock
	logger    *zap.Logger
	workflows WorkflowCounter
}

// New creates a FactBox. The workflow counter may be nil until the
// orchestrator wires it in via SetWorkflowCounter.
func New(store Store, cache *Cache, auditLog *audit.Log, clk clock.Clock, logger *zap.Logger) (*FactBox, error) {
	engine, err := NewRuleEngine()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FactBox{
		store:  store,
		cache:  cache,
		rules:  engine,
		audit:  auditLog,
		clock:  clk,
		logger: logger,
	}, nil
}

// SetWorkflowCounter wires the workflow store in after construction; the
// orchestrator and FactBox reference each other.
func (f *FactBox) SetWorkflowCounter(wc WorkflowCounter) {
	f.workflows = wc
}

// GetEntity returns an entity by ID.
func (f *FactBox) GetEntity(ctx context.Context, entityID string) (*types.Entity, error) {
	var cached types.Entity
	if f.cache.Get(ctx, "entity:"+entityID, &cached) {
		return &cached, nil
	}

	entity, err := f.store.GetEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}
	f.cache.Set(ctx, "entity:"+entityID, entity)
	return entity, nil
}

// GetLicense returns a license by ID.
func (f *FactBox) GetLicense(ctx context.Context, licenseID string) (*types.License, error) {
	var cached types.License
	if f.cache.Get(ctx, "license:"+licenseID, &cached) {
		return &cached, nil
	}

	license, err := f.store.GetLicense(ctx, licenseID)
	if err != nil {
		return nil, err
	}
	f.cache.Set(ctx, "license:"+licenseID, license)
	return license, nil
}

// GetLicensesByEntity returns all licenses held by an entity.
func (f *FactBox) GetLicensesByEntity(ctx context.Context, entityID string) ([]*types.License, error) {
	var cached []*types.License
	if f.cache.Get(ctx, "licenses:"+entityID, &cached) {
		return cached, nil
	}

	licenses, err := f.store.ListLicensesByEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}
	f.cache.Set(ctx, "licenses:"+entityID, licenses)
	return licenses, nil
}

// GetExpiringLicenses returns active licenses with 0 < days-to-expiry ≤ withinDays.
func (f *FactBox) GetExpiringLicenses(ctx context.Context, withinDays int) ([]*types.License, error) {
	licenses, err := f.store.ListLicenses(ctx)
	if err != nil {
		return nil, err
	}

	now := f.clock.Now()
	var out []*types.License
	for _, l := range licenses {
		if l.Status != types.LicenseActive {
			continue
		}
		days := l.DaysToExpiry(now)
		if days > 0 && days <= withinDays {
			out = append(out, l)
		}
	}
	return out, nil
}

// GetEntityStatus composes entity, active workflows, and license statuses
// into a compliance-score snapshot. The score is the fraction of non-expired
// active licenses, times 100, rounded; an entity with no licenses scores 100.
func (f *FactBox) GetEntityStatus(ctx context.Context, entityID string) (*types.EntityStatus, error) {
	entity, err := f.GetEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}
	licenses, err := f.GetLicensesByEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}

	now := f.clock.Now()
	score := 100
	if len(licenses) > 0 {
		current := 0
		for _, l := range licenses {
			if l.IsCurrent(now) {
				current++
			}
		}
		score = int(math.Round(float64(current) / float64(len(licenses)) * 100))
	}

	active := 0
	if f.workflows != nil {
		active, err = f.workflows.CountActive(ctx, entityID)
		if err != nil {
			return nil, err
		}
	}

	return &types.EntityStatus{
		Entity:          entity,
		ActiveWorkflows: active,
		Licenses:        licenses,
		ComplianceScore: score,
		GeneratedAt:     now,
	}, nil
}

// VerifyKYC reports whether the entity's KYC status is verified.
func (f *FactBox) VerifyKYC(ctx context.Context, entityID string) (bool, error) {
	entity, err := f.GetEntity(ctx, entityID)
	if err != nil {
		return false, err
	}
	return entity.KYCStatus == types.KYCVerified, nil
}

// GetRegulatoryRules returns the ordered rules applicable now for a
// regulation in a jurisdiction.
func (f *FactBox) GetRegulatoryRules(ctx context.Context, regulation, jurisdiction string) ([]*types.RegulatoryRule, error) {
	rules, err := f.store.ListRules(ctx, regulation, jurisdiction)
	if err != nil {
		return nil, err
	}

	now := f.clock.Now()
	var out []*types.RegulatoryRule
	for _, r := range rules {
		if r.InEffect(now) {
			out = append(out, r)
		}
	}
	return out, nil
}

// ApplicableRules narrows a regulation's rules to those whose CEL predicate
// holds for the given entity.
func (f *FactBox) ApplicableRules(ctx context.Context, regulation string, entity *types.Entity) ([]*types.RegulatoryRule, error) {
	rules, err := f.store.ListRules(ctx, regulation, entity.Jurisdiction)
	if err != nil {
		return nil, err
	}
	return f.rules.Applicable(rules, entity, f.clock.Now())
}

// SaveEntity writes an entity, emitting the audit event and invalidating the
// cache before returning.
func (f *FactBox) SaveEntity(ctx context.Context, entity *types.Entity) error {
	if err := entity.Validate(); err != nil {
		return err
	}

	entity.UpdatedAt = f.clock.Now()
	if err := f.store.PutEntity(ctx, entity); err != nil {
		return types.WrapE(types.KindIntegrity, "factbox.save_entity", err)
	}

	ev := types.NewAuditEvent("factbox", "entity.saved").
		WithEntity(entity.ID).
		WithPayload("kyc_status", string(entity.KYCStatus)).
		Build()
	if _, err := f.audit.Log(ctx, ev); err != nil {
		return err
	}

	f.cache.Invalidate(ctx, "entity:"+entity.ID)
	return nil
}

// SaveLicense writes a license, emitting the audit event and invalidating
// the cache before returning.
func (f *FactBox) SaveLicense(ctx context.Context, license *types.License) error {
	if err := license.Validate(); err != nil {
		return err
	}

	if err := f.store.PutLicense(ctx, license); err != nil {
		return types.WrapE(types.KindIntegrity, "factbox.save_license", err)
	}

	ev := types.NewAuditEvent("factbox", "license.saved").
		WithEntity(license.EntityID).
		WithPayload("license_id", license.ID).
		WithPayload("status", string(license.Status)).
		Build()
	if _, err := f.audit.Log(ctx, ev); err != nil {
		return err
	}

	f.cache.Invalidate(ctx, "license:"+license.ID, "licenses:"+license.EntityID)
	return nil
}

// SaveRule registers a regulatory rule.
func (f *FactBox) SaveRule(ctx context.Context, rule *types.RegulatoryRule) error {
	return f.store.PutRule(ctx, rule)
}

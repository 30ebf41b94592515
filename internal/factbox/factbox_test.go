package factbox

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otrix/occam-agents/internal/audit"
	"github.com/otrix/occam-agents/internal/clock"
	"github.com/otrix/occam-agents/pkg/types"
)

type stubCounter struct{ n int }

func (s *stubCounter) CountActive(ctx context.Context, entityID string) (int, error) {
	return s.n, nil
}

func newTestFactBox(t *testing.T) (*FactBox, *MemoryStore, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	log, err := audit.New(audit.NewMemoryStore(), clk, audit.DefaultConfig(), nil)
	require.NoError(t, err)

	store := NewMemoryStore()
	fb, err := New(store, NewCache(DefaultCacheConfig(), clk, nil), log, clk, nil)
	require.NoError(t, err)
	return fb, store, clk
}

func testEntity(id string) *types.Entity {
	return &types.Entity{
		ID:           id,
		Name:         "Acme Trading Ltd",
		Type:         "company",
		Jurisdiction: "UK",
		KYCStatus:    types.KYCVerified,
	}
}

func testLicense(id, entityID string, status types.LicenseStatus, expiry time.Time) *types.License {
	return &types.License{
		ID:         id,
		EntityID:   entityID,
		Name:       "FCA Authorisation",
		Type:       "financial-services",
		Status:     status,
		IssueDate:  expiry.AddDate(-1, 0, 0),
		ExpiryDate: expiry,
	}
}

func TestGetEntityServedFromCache(t *testing.T) {
	fb, store, _ := newTestFactBox(t)
	ctx := context.Background()

	require.NoError(t, fb.SaveEntity(ctx, testEntity("ent-1")))

	first, err := fb.GetEntity(ctx, "ent-1")
	require.NoError(t, err)
	assert.Equal(t, "Acme Trading Ltd", first.Name)

	// Mutate the backing store directly; the cached read must not see it
	// until invalidation.
	mutated := testEntity("ent-1")
	mutated.Name = "Renamed Ltd"
	require.NoError(t, store.PutEntity(ctx, mutated))

	stale, err := fb.GetEntity(ctx, "ent-1")
	require.NoError(t, err)
	assert.Equal(t, "Acme Trading Ltd", stale.Name)

	fb.cache.Invalidate(ctx, "entity:ent-1")
	fresh, err := fb.GetEntity(ctx, "ent-1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed Ltd", fresh.Name)
}

func TestSaveEntityInvalidatesCache(t *testing.T) {
	fb, _, _ := newTestFactBox(t)
	ctx := context.Background()

	require.NoError(t, fb.SaveEntity(ctx, testEntity("ent-1")))
	_, err := fb.GetEntity(ctx, "ent-1")
	require.NoError(t, err)

	updated := testEntity("ent-1")
	updated.KYCStatus = types.KYCRejected
	require.NoError(t, fb.SaveEntity(ctx, updated))

	got, err := fb.GetEntity(ctx, "ent-1")
	require.NoError(t, err)
	assert.Equal(t, types.KYCRejected, got.KYCStatus)
}

func TestSaveEntityEmitsAuditEvent(t *testing.T) {
	fb, _, _ := newTestFactBox(t)
	ctx := context.Background()

	require.NoError(t, fb.SaveEntity(ctx, testEntity("ent-1")))

	events, err := fb.audit.Query(ctx, audit.Filter{Action: "entity.saved"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ent-1", events[0].EntityID)
}

func TestSaveEntityRejectsInvalid(t *testing.T) {
	fb, _, _ := newTestFactBox(t)

	err := fb.SaveEntity(context.Background(), &types.Entity{ID: "ent-1"})
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindValidation))
}

func TestGetEntityNotFound(t *testing.T) {
	fb, _, _ := newTestFactBox(t)

	_, err := fb.GetEntity(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindNotFound))
}

func TestVerifyKYC(t *testing.T) {
	fb, _, _ := newTestFactBox(t)
	ctx := context.Background()

	verified := testEntity("ent-1")
	require.NoError(t, fb.SaveEntity(ctx, verified))

	pending := testEntity("ent-2")
	pending.KYCStatus = types.KYCUnverified
	require.NoError(t, fb.SaveEntity(ctx, pending))

	ok, err := fb.VerifyKYC(ctx, "ent-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = fb.VerifyKYC(ctx, "ent-2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExpiringLicensesBoundaries(t *testing.T) {
	fb, _, clk := newTestFactBox(t)
	ctx := context.Background()
	now := clk.Now()

	require.NoError(t, fb.SaveEntity(ctx, testEntity("ent-1")))
	require.NoError(t, fb.SaveLicense(ctx, testLicense("lic-already-expired", "ent-1", types.LicenseActive, now.Add(-time.Hour))))
	require.NoError(t, fb.SaveLicense(ctx, testLicense("lic-in-window", "ent-1", types.LicenseActive, now.AddDate(0, 0, 10))))
	require.NoError(t, fb.SaveLicense(ctx, testLicense("lic-at-edge", "ent-1", types.LicenseActive, now.AddDate(0, 0, 30))))
	require.NoError(t, fb.SaveLicense(ctx, testLicense("lic-outside", "ent-1", types.LicenseActive, now.AddDate(0, 0, 45))))
	require.NoError(t, fb.SaveLicense(ctx, testLicense("lic-suspended", "ent-1", types.LicenseSuspended, now.AddDate(0, 0, 10))))

	expiring, err := fb.GetExpiringLicenses(ctx, 30)
	require.NoError(t, err)

	var ids []string
	for _, l := range expiring {
		ids = append(ids, l.ID)
	}
	assert.ElementsMatch(t, []string{"lic-in-window", "lic-at-edge"}, ids)
}

func TestEntityStatusComplianceScore(t *testing.T) {
	fb, _, clk := newTestFactBox(t)
	ctx := context.Background()
	now := clk.Now()

	fb.SetWorkflowCounter(&stubCounter{n: 2})
	require.NoError(t, fb.SaveEntity(ctx, testEntity("ent-1")))
	require.NoError(t, fb.SaveLicense(ctx, testLicense("lic-1", "ent-1", types.LicenseActive, now.AddDate(1, 0, 0))))
	require.NoError(t, fb.SaveLicense(ctx, testLicense("lic-2", "ent-1", types.LicenseActive, now.AddDate(1, 0, 0))))
	require.NoError(t, fb.SaveLicense(ctx, testLicense("lic-3", "ent-1", types.LicenseExpired, now.AddDate(0, 1, 0))))

	status, err := fb.GetEntityStatus(ctx, "ent-1")
	require.NoError(t, err)
	assert.Equal(t, 67, status.ComplianceScore)
	assert.Equal(t, 2, status.ActiveWorkflows)
	assert.Len(t, status.Licenses, 3)
}

func TestEntityStatusNoLicensesScoresFull(t *testing.T) {
	fb, _, _ := newTestFactBox(t)
	ctx := context.Background()

	require.NoError(t, fb.SaveEntity(ctx, testEntity("ent-1")))

	status, err := fb.GetEntityStatus(ctx, "ent-1")
	require.NoError(t, err)
	assert.Equal(t, 100, status.ComplianceScore)
	assert.Equal(t, 0, status.ActiveWorkflows)
}

func TestRegulatoryRulesFilteredAndOrdered(t *testing.T) {
	fb, _, clk := newTestFactBox(t)
	ctx := context.Background()
	now := clk.Now()
	past := now.AddDate(0, -1, 0)
	ended := now.AddDate(0, 0, -1)

	require.NoError(t, fb.SaveRule(ctx, &types.RegulatoryRule{
		ID: "r-2", Regulation: "mica", Jurisdiction: "UK", EffectiveFrom: past, Order: 2,
	}))
	require.NoError(t, fb.SaveRule(ctx, &types.RegulatoryRule{
		ID: "r-1", Regulation: "mica", Jurisdiction: "UK", EffectiveFrom: past, Order: 1,
	}))
	require.NoError(t, fb.SaveRule(ctx, &types.RegulatoryRule{
		ID: "r-lapsed", Regulation: "mica", Jurisdiction: "UK", EffectiveFrom: past, EffectiveTo: &ended, Order: 3,
	}))
	require.NoError(t, fb.SaveRule(ctx, &types.RegulatoryRule{
		ID: "r-other", Regulation: "mica", Jurisdiction: "DE", EffectiveFrom: past, Order: 1,
	}))

	rules, err := fb.GetRegulatoryRules(ctx, "mica", "UK")
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "r-1", rules[0].ID)
	assert.Equal(t, "r-2", rules[1].ID)
}

func TestApplicableRulesEvaluatePredicates(t *testing.T) {
	fb, _, clk := newTestFactBox(t)
	ctx := context.Background()
	past := clk.Now().AddDate(0, -1, 0)

	require.NoError(t, fb.SaveRule(ctx, &types.RegulatoryRule{
		ID: "r-company-only", Regulation: "mica", Jurisdiction: "UK",
		Applicability: `entity.type == "company"`,
		EffectiveFrom: past, Order: 1,
	}))
	require.NoError(t, fb.SaveRule(ctx, &types.RegulatoryRule{
		ID: "r-individual-only", Regulation: "mica", Jurisdiction: "UK",
		Applicability: `entity.type == "individual"`,
		EffectiveFrom: past, Order: 2,
	}))
	require.NoError(t, fb.SaveRule(ctx, &types.RegulatoryRule{
		ID: "r-unconditional", Regulation: "mica", Jurisdiction: "UK",
		EffectiveFrom: past, Order: 3,
	}))

	rules, err := fb.ApplicableRules(ctx, "mica", testEntity("ent-1"))
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "r-company-only", rules[0].ID)
	assert.Equal(t, "r-unconditional", rules[1].ID)
}

func TestApplicableRulesBadExpression(t *testing.T) {
	fb, _, clk := newTestFactBox(t)
	ctx := context.Background()

	require.NoError(t, fb.SaveRule(ctx, &types.RegulatoryRule{
		ID: "r-bad", Regulation: "mica", Jurisdiction: "UK",
		Applicability: `entity.type ==`,
		EffectiveFrom: clk.Now().AddDate(0, -1, 0), Order: 1,
	}))

	_, err := fb.ApplicableRules(ctx, "mica", testEntity("ent-1"))
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindValidation))
}

func TestCacheRedisLayer(t *testing.T) {
	srv := miniredis.RunT(t)

	cfg := DefaultCacheConfig()
	cfg.RedisAddr = srv.Addr()
	cache := NewCache(cfg, nil, nil)
	defer cache.Close()

	ctx := context.Background()
	entity := testEntity("ent-1")
	cache.Set(ctx, "entity:ent-1", entity)

	// Drop the local layer to force the redis path.
	cache.mu.Lock()
	cache.local = make(map[string]cacheEntry)
	cache.mu.Unlock()

	var got types.Entity
	require.True(t, cache.Get(ctx, "entity:ent-1", &got))
	assert.Equal(t, "Acme Trading Ltd", got.Name)

	cache.Invalidate(ctx, "entity:ent-1")
	assert.False(t, cache.Get(ctx, "entity:ent-1", &got))
}

func TestCacheLocalTTLUsesInjectedClock(t *testing.T) {
	clk := clock.NewManual(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	cfg := DefaultCacheConfig()
	cfg.TTL = time.Minute
	cache := NewCache(cfg, clk, nil)
	defer cache.Close()

	ctx := context.Background()
	cache.Set(ctx, "entity:ent-1", testEntity("ent-1"))

	var got types.Entity
	require.True(t, cache.Get(ctx, "entity:ent-1", &got))

	// Advancing the injected clock past the TTL expires the entry without
	// any wall-clock wait.
	clk.Advance(2 * time.Minute)
	assert.False(t, cache.Get(ctx, "entity:ent-1", &got))
}

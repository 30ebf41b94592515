package factbox

import (
	"context"
	"sort"
	"sync"

	"github.com/otrix/occam-agents/pkg/types"
)

// Store is the underlying persistence for entities, licenses, and
// regulatory rules.
type Store interface {
	GetEntity(ctx context.Context, id string) (*types.Entity, error)
	PutEntity(ctx context.Context, entity *types.Entity) error

	GetLicense(ctx context.Context, id string) (*types.License, error)
	PutLicense(ctx context.Context, license *types.License) error
	ListLicensesByEntity(ctx context.Context, entityID string) ([]*types.License, error)
	ListLicenses(ctx context.Context) ([]*types.License, error)

	PutRule(ctx context.Context, rule *types.RegulatoryRule) error
	ListRules(ctx context.Context, regulation, jurisdiction string) ([]*types.RegulatoryRule, error)
}

// MemoryStore is the in-memory fact store.
type MemoryStore struct {
	mu       sync.RWMutex
	entities map[string]*types.Entity
	licenses map[string]*types.License
	rules    []*types.RegulatoryRule
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities: make(map[string]*types.Entity),
		licenses: make(map[string]*types.License),
	}
}

func (s *MemoryStore) GetEntity(ctx context.Context, id string) (*types.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id]
	if !ok {
		return nil, types.E(types.KindNotFound, "factbox.store", "entity %s not found", id)
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) PutEntity(ctx context.Context, entity *types.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entity
	s.entities[entity.ID] = &cp
	return nil
}

func (s *MemoryStore) GetLicense(ctx context.Context, id string) (*types.License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.licenses[id]
	if !ok {
		return nil, types.E(types.KindNotFound, "factbox.store", "license %s not found", id)
	}
	cp := *l
	return &cp, nil
}

func (s *MemoryStore) PutLicense(ctx context.Context, license *types.License) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *license
	s.licenses[license.ID] = &cp
	return nil
}

func (s *MemoryStore) ListLicensesByEntity(ctx context.Context, entityID string) ([]*types.License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.License
	for _, l := range s.licenses {
		if l.EntityID == entityID {
			cp := *l
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListLicenses(ctx context.Context) ([]*types.License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.License, 0, len(s.licenses))
	for _, l := range s.licenses {
		cp := *l
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) PutRule(ctx context.Context, rule *types.RegulatoryRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rule
	s.rules = append(s.rules, &cp)
	return nil
}

func (s *MemoryStore) ListRules(ctx context.Context, regulation, jurisdiction string) ([]*types.RegulatoryRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.RegulatoryRule
	for _, r := range s.rules {
		if r.Regulation == regulation && r.Jurisdiction == jurisdiction {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

package vault

import (
	"context"
	"sync"

	"github.com/otrix/occam-agents/pkg/types"
)

// Record pairs credential metadata with its sealed envelope.
type Record struct {
	Meta     types.CredentialMeta
	Envelope Envelope
}

// Store persists vault records. Supersede and ReplaceAll must be atomic: a
// failure leaves the prior contents intact so the vault stays readable.
type Store interface {
	Put(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	Update(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Record, error)

	// Supersede persists a rotation pair in one step: the new record and the
	// old record carrying its superseded-by marker.
	Supersede(ctx context.Context, next, old *Record) error

	ReplaceAll(ctx context.Context, recs []*Record) error
}

// MemoryStore is the in-memory record store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty in-memory vault store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Put(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records[rec.Meta.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, types.E(types.KindNotFound, "vault.store", "credential %s not found", id)
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) Update(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.Meta.ID]; !ok {
		return types.E(types.KindNotFound, "vault.store", "credential %s not found", rec.Meta.ID)
	}
	cp := *rec
	s.records[rec.Meta.ID] = &cp
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return types.E(types.KindNotFound, "vault.store", "credential %s not found", id)
	}
	delete(s.records, id)
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

// Supersede lands the rotation pair under one lock acquisition.
func (s *MemoryStore) Supersede(ctx context.Context, next, old *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[old.Meta.ID]; !ok {
		return types.E(types.KindNotFound, "vault.store", "credential %s not found", old.Meta.ID)
	}
	ncp := *next
	ocp := *old
	s.records[next.Meta.ID] = &ncp
	s.records[old.Meta.ID] = &ocp
	return nil
}

// ReplaceAll swaps the full record set in one step.
func (s *MemoryStore) ReplaceAll(ctx context.Context, recs []*Record) error {
	next := make(map[string]*Record, len(recs))
	for _, rec := range recs {
		cp := *rec
		next[rec.Meta.ID] = &cp
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = next
	return nil
}

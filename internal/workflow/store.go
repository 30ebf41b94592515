package workflow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/otrix/occam-agents/pkg/types"
)

// AttemptRecord is the stored outcome of one attempt to advance a workflow.
// Duplicate deliveries of the same attempt key return the earlier record
// without re-invoking agents.
type AttemptRecord struct {
	Key        types.AttemptKey                  `json:"key"`
	Success    bool                              `json:"success"`
	ResultedIn types.Stage                       `json:"resulted_in"`
	Results    map[string]*types.ExecutionResult `json:"results,omitempty"`
	RecordedAt time.Time                         `json:"recorded_at"`
}

// Store persists workflows and attempt records.
type Store interface {
	Put(ctx context.Context, wf *types.Workflow) error
	Get(ctx context.Context, id string) (*types.Workflow, error)
	GetBySubmissionKey(ctx context.Context, key string) (*types.Workflow, error)
	ListByEntity(ctx context.Context, entityID string) ([]*types.Workflow, error)
	ListActive(ctx context.Context) ([]*types.Workflow, error)
	CountActive(ctx context.Context, entityID string) (int, error)

	PutAttempt(ctx context.Context, rec *AttemptRecord) error
	GetAttempt(ctx context.Context, key types.AttemptKey) (*AttemptRecord, error)
}

// MemoryStore is the in-memory workflow store.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*types.Workflow
	byKey     map[string]string // submission key -> workflow ID
	attempts  map[string]*AttemptRecord
}

// NewMemoryStore creates an empty workflow store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]*types.Workflow),
		byKey:     make(map[string]string),
		attempts:  make(map[string]*AttemptRecord),
	}
}

func copyWorkflow(wf *types.Workflow) *types.Workflow {
	cp := *wf
	cp.StageHistory = append([]types.StageTransition(nil), wf.StageHistory...)
	cp.PendingActions = append([]types.ComplianceAction(nil), wf.PendingActions...)
	return &cp
}

func (s *MemoryStore) Put(ctx context.Context, wf *types.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[wf.ID] = copyWorkflow(wf)
	if wf.SubmissionKey != "" {
		s.byKey[wf.SubmissionKey] = wf.ID
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*types.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, types.E(types.KindNotFound, "workflow.store", "workflow %s not found", id)
	}
	return copyWorkflow(wf), nil
}

func (s *MemoryStore) GetBySubmissionKey(ctx context.Context, key string) (*types.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[key]
	if !ok {
		return nil, types.E(types.KindNotFound, "workflow.store", "no workflow for submission key %s", key)
	}
	return copyWorkflow(s.workflows[id]), nil
}

func (s *MemoryStore) ListByEntity(ctx context.Context, entityID string) ([]*types.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Workflow
	for _, wf := range s.workflows {
		if wf.EntityID == entityID {
			out = append(out, copyWorkflow(wf))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListActive(ctx context.Context) ([]*types.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Workflow
	for _, wf := range s.workflows {
		if !wf.CurrentStage.IsTerminal() {
			out = append(out, copyWorkflow(wf))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CountActive(ctx context.Context, entityID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, wf := range s.workflows {
		if wf.EntityID == entityID && !wf.CurrentStage.IsTerminal() {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) PutAttempt(ctx context.Context, rec *AttemptRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.attempts[rec.Key.String()] = &cp
	return nil
}

func (s *MemoryStore) GetAttempt(ctx context.Context, key types.AttemptKey) (*AttemptRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.attempts[key.String()]
	if !ok {
		return nil, types.E(types.KindNotFound, "workflow.store", "no attempt record for %s", key)
	}
	cp := *rec
	return &cp, nil
}

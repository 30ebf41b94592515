package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/otrix/occam-agents/pkg/types"
)

// Filter selects audit events. Zero values are ignored.
type Filter struct {
	TraceID     string
	OperationID string
	WorkflowID  string
	EntityID    string
	Action      string
	Since       time.Time
	Until       time.Time
	Limit       int
}

// Store persists audit events. Implementations must never mutate or rewrite
// an event after Append returns.
type Store interface {
	// Append persists one event.
	Append(ctx context.Context, event *types.AuditEvent) error

	// Query returns events matching the filter in timestamp order, with a
	// monotonic tie-break on event ID.
	Query(ctx context.Context, filter Filter) ([]*types.AuditEvent, error)

	// Prune removes events whose retention deadline has passed. It returns
	// the number of events removed. Events still inside their retention
	// horizon are never touched.
	Prune(ctx context.Context, now time.Time) (int, error)

	// Close releases store resources.
	Close() error
}

// MemoryStore is the in-memory store used in tests and single-process runs.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*types.AuditEvent
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append persists one event.
func (s *MemoryStore) Append(ctx context.Context, event *types.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Copy so callers holding the original cannot mutate the stored record.
	cp := *event
	if event.Payload != nil {
		cp.Payload = make(map[string]interface{}, len(event.Payload))
		for k, v := range event.Payload {
			cp.Payload[k] = v
		}
	}
	s.events = append(s.events, &cp)
	return nil
}

// Query returns matching events in timestamp order, event-id tie-break.
func (s *MemoryStore) Query(ctx context.Context, filter Filter) ([]*types.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.AuditEvent
	for _, ev := range s.events {
		if !matches(ev, filter) {
			continue
		}
		cp := *ev
		out = append(out, &cp)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Prune removes only events past their retention deadline.
func (s *MemoryStore) Prune(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	removed := 0
	for _, ev := range s.events {
		if ev.RetentionDeadline.Before(now) {
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	s.events = kept
	return removed, nil
}

// Close is a no-op for the memory store
func (s *MemoryStore) Close() error { return nil }

func matches(ev *types.AuditEvent, f Filter) bool {
	if f.TraceID != "" && ev.TraceID != f.TraceID {
		return false
	}
	if f.OperationID != "" && ev.OperationID != f.OperationID {
		return false
	}
	if f.WorkflowID != "" && ev.WorkflowID != f.WorkflowID {
		return false
	}
	if f.EntityID != "" && ev.EntityID != f.EntityID {
		return false
	}
	if f.Action != "" && ev.Action != f.Action {
		return false
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && ev.Timestamp.After(f.Until) {
		return false
	}
	return true
}

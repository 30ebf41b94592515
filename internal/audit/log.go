// Package audit provides the durable, trace-correlated event trail.
//
// Appends are synchronous: an event is persisted before any caller observes
// the state transition it describes. A failed append surfaces as an
// integrity error and is fatal for the enclosing action.
package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/otrix/occam-agents/pkg/types"
)

// DefaultRetentionDays is the compliance retention horizon (7 years).
const DefaultRetentionDays = 2555

// Config for the audit log
type Config struct {
	// RetentionDays sets the retention horizon applied to every event.
	RetentionDays int

	// ArchivePath, when set, mirrors every persisted event to a rotated
	// JSONL archive file.
	ArchivePath       string
	ArchiveMaxSizeMB  int
	ArchiveMaxAgeDays int
	ArchiveMaxBackups int
}

// DefaultConfig returns default audit configuration
func DefaultConfig() Config {
	return Config{
		RetentionDays:     DefaultRetentionDays,
		ArchiveMaxSizeMB:  100,
		ArchiveMaxAgeDays: 30,
		ArchiveMaxBackups: 10,
	}
}

// Clock is the minimal time source the log needs.
type Clock interface {
	Now() time.Time
}

// Log is the append-only audit trail. Writes within one trace are serialized
// so a single workflow's events never interleave.
type Log struct {
	store   Store
	archive *archiveWriter
	clock   Clock
	logger  *zap.Logger

	retention time.Duration

	// seq numbers generated event IDs so same-timestamp events sort in
	// append order.
	seq atomic.Int64

	// Per-trace partition locks preserve append order within a trace.
	tracesMu sync.Mutex
	traces   map[string]*sync.Mutex
}

// New creates an audit log over the given store.
func New(store Store, clk Clock, cfg Config, logger *zap.Logger) (*Log, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = DefaultRetentionDays
	}

	l := &Log{
		store:     store,
		clock:     clk,
		logger:    logger,
		retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		traces:    make(map[string]*sync.Mutex),
	}

	if cfg.ArchivePath != "" {
		aw, err := newArchiveWriter(cfg.ArchivePath, cfg.ArchiveMaxSizeMB, cfg.ArchiveMaxAgeDays, cfg.ArchiveMaxBackups)
		if err != nil {
			return nil, err
		}
		l.archive = aw
	}

	return l, nil
}

// Log appends an event and returns its ID. A trace ID is generated when the
// caller did not supply one. Persist failure returns an integrity error;
// callers must not continue as if the append succeeded.
func (l *Log) Log(ctx context.Context, event *types.AuditEvent) (string, error) {
	if event.TraceID == "" {
		event.TraceID = uuid.NewString()
	}
	if event.Severity == "" {
		event.Severity = types.SeverityInfo
	}
	if event.Status == "" {
		event.Status = types.EventSuccess
	}

	mu := l.traceLock(event.TraceID)
	mu.Lock()
	defer mu.Unlock()

	// The ID is assigned under the trace lock so its sequence component
	// matches append order; Query tie-breaks equal timestamps on it.
	if event.ID == "" {
		event.ID = fmt.Sprintf("evt-%012d-%s", l.seq.Add(1), uuid.NewString())
	}

	now := l.clock.Now()
	if event.Timestamp.IsZero() {
		event.Timestamp = now
	}
	event.RetentionDeadline = event.Timestamp.Add(l.retention)

	if err := l.store.Append(ctx, event); err != nil {
		return "", types.WrapE(types.KindIntegrity, "audit.log", err)
	}

	if l.archive != nil {
		if err := l.archive.Write(event); err != nil {
			// The store append is authoritative; archive failures are logged
			// but do not fail the action.
			l.logger.Warn("audit archive write failed",
				zap.String("event_id", event.ID),
				zap.Error(err),
			)
		}
	}

	return event.ID, nil
}

// Query returns events matching the filter in timestamp order with a
// monotonic tie-break on event ID.
func (l *Log) Query(ctx context.Context, filter Filter) ([]*types.AuditEvent, error) {
	events, err := l.store.Query(ctx, filter)
	if err != nil {
		return nil, types.WrapE(types.KindIntegrity, "audit.query", err)
	}
	return events, nil
}

// Prune removes events past their retention deadline. Events inside the
// horizon are never deleted; the log is authoritative for retention.
func (l *Log) Prune(ctx context.Context) (int, error) {
	return l.store.Prune(ctx, l.clock.Now())
}

// Close flushes and closes the archive writer and the store.
func (l *Log) Close() error {
	if l.archive != nil {
		if err := l.archive.Close(); err != nil {
			return err
		}
	}
	return l.store.Close()
}

func (l *Log) traceLock(traceID string) *sync.Mutex {
	l.tracesMu.Lock()
	defer l.tracesMu.Unlock()
	mu, ok := l.traces[traceID]
	if !ok {
		mu = &sync.Mutex{}
		l.traces[traceID] = mu
	}
	return mu
}

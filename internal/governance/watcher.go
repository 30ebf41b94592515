package governance

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/otrix/occam-agents/pkg/types"
)

// ReloadEvent reports one attempted limits reload.
type ReloadEvent struct {
	Timestamp time.Time
	Limits    Limits
	Error     error
}

// LimitsWatcher hot-reloads governance limits from a YAML file. Events are
// debounced so editors that write in multiple syscalls trigger one reload.
type LimitsWatcher struct {
	watcher         *fsnotify.Watcher
	path            string
	gov             *Governance
	logger          *zap.Logger
	debounceTimeout time.Duration
	debounceTimer   *time.Timer
	eventChan       chan ReloadEvent
	stopChan        chan struct{}
	mu              sync.Mutex
	isWatching      bool
}

// NewLimitsWatcher creates a watcher for the given limits file.
func NewLimitsWatcher(path string, gov *Governance, logger *zap.Logger) (*LimitsWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, types.WrapE(types.KindTransient, "governance.watcher", err)
	}

	return &LimitsWatcher{
		watcher:         watcher,
		path:            path,
		gov:             gov,
		logger:          logger,
		debounceTimeout: 500 * time.Millisecond,
		eventChan:       make(chan ReloadEvent, 10),
		stopChan:        make(chan struct{}),
	}, nil
}

// Watch loads the limits once, then starts watching for changes.
func (w *LimitsWatcher) Watch(ctx context.Context) error {
	w.mu.Lock()
	if w.isWatching {
		w.mu.Unlock()
		return types.E(types.KindValidation, "governance.watcher", "watcher is already running")
	}
	w.isWatching = true
	w.mu.Unlock()

	// Watch the directory; editors replace files rather than write in place.
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		w.mu.Lock()
		w.isWatching = false
		w.mu.Unlock()
		return types.WrapE(types.KindTransient, "governance.watcher", err)
	}

	w.performReload()

	w.logger.Info("starting governance limits watcher",
		zap.String("path", w.path),
		zap.Duration("debounce", w.debounceTimeout),
	)

	go w.watchLoop(ctx)
	return nil
}

func (w *LimitsWatcher) watchLoop(ctx context.Context) {
	defer func() {
		w.mu.Lock()
		w.isWatching = false
		w.mu.Unlock()
		w.logger.Info("governance limits watcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) == filepath.Clean(w.path) {
				w.handleEvent(event)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("limits watcher error", zap.Error(err))
		}
	}
}

func (w *LimitsWatcher) handleEvent(event fsnotify.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.logger.Debug("limits file change detected",
		zap.String("file", event.Name),
		zap.String("op", event.Op.String()),
	)

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debounceTimeout, w.performReload)
}

// performReload parses and validates the limits file, then swaps the active
// limits. A broken file leaves the previous limits in place.
func (w *LimitsWatcher) performReload() {
	limits, err := LoadLimits(w.path)
	if err != nil {
		w.logger.Error("failed to reload governance limits",
			zap.String("path", w.path),
			zap.Error(err),
		)
		w.emit(ReloadEvent{Timestamp: time.Now(), Error: err})
		return
	}

	if err := w.gov.UpdateLimits(*limits); err != nil {
		w.logger.Error("rejected governance limits",
			zap.String("path", w.path),
			zap.Error(err),
		)
		w.emit(ReloadEvent{Timestamp: time.Now(), Error: err})
		return
	}

	w.emit(ReloadEvent{Timestamp: time.Now(), Limits: *limits})
}

func (w *LimitsWatcher) emit(ev ReloadEvent) {
	select {
	case w.eventChan <- ev:
	default:
		// Slow consumer; drop rather than block the reload path.
	}
}

// EventChan returns the channel of reload outcomes.
func (w *LimitsWatcher) EventChan() <-chan ReloadEvent {
	return w.eventChan
}

// Stop stops the watcher.
func (w *LimitsWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.isWatching {
		return nil
	}

	close(w.stopChan)
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	return w.watcher.Close()
}

// LoadLimits parses a limits YAML file.
func LoadLimits(path string) (*Limits, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, types.WrapE(types.KindTransient, "governance.limits", err)
	}

	limits := DefaultLimits()
	if err := yaml.Unmarshal(data, &limits); err != nil {
		return nil, types.WrapE(types.KindValidation, "governance.limits", err)
	}
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	return &limits, nil
}

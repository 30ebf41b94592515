package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/otrix/occam-agents/pkg/types"
)

// archiveWriter mirrors persisted events to a rotated JSONL file for
// offline retention.
type archiveWriter struct {
	logger  *lumberjack.Logger
	encoder *json.Encoder
	mu      sync.Mutex
}

func newArchiveWriter(filename string, maxSizeMB, maxAgeDays, maxBackups int) (*archiveWriter, error) {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}

	logger := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    maxSizeMB,
		MaxAge:     maxAgeDays,
		MaxBackups: maxBackups,
		LocalTime:  true,
		Compress:   true,
	}

	return &archiveWriter{
		logger:  logger,
		encoder: json.NewEncoder(logger),
	}, nil
}

// Write appends one event to the archive
func (w *archiveWriter) Write(event *types.AuditEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.encoder.Encode(event)
}

// Close closes the underlying rotated file
func (w *archiveWriter) Close() error {
	return w.logger.Close()
}

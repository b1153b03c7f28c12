package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/byte4byte/b4b/internal/event"
	"github.com/byte4byte/b4b/internal/logger"
)

// LogSink writes events as JSON lines to a file, or to the process logger
// when no path is configured.
type LogSink struct {
	path string
	log  *slog.Logger

	mu   sync.Mutex
	file *os.File
}

// NewLogSink creates a sink writing NDJSON events to path.
func NewLogSink(path string, log *slog.Logger) *LogSink {
	return &LogSink{path: path, log: log}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Start(ctx context.Context) error {
	if s.path == "" {
		return nil
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	s.mu.Lock()
	s.file = f
	s.mu.Unlock()
	return nil
}

func (s *LogSink) Enqueue(e event.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		s.log.Info("event",
			slog.String("type", e.Type),
			logger.Group(e.Group),
			logger.Ray(e.Ray.ShortID),
			slog.String("payload", string(b)),
		)
		return nil
	}
	if _, err := s.file.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

func (s *LogSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/byte4byte/b4b/internal/logger"
)

type mirrorOp struct {
	name string
	fn   func(context.Context) error
}

// Mirror applies relational writes in order on a background worker so the
// request path never waits on analytics persistence. Writes that do not
// fit in the queue are dropped.
type Mirror struct {
	rel     Relational
	log     *slog.Logger
	timeout time.Duration
	onError func(op string)

	mu      sync.Mutex
	closed  bool
	started bool
	queue   chan mirrorOp
	done    chan struct{}
}

// MirrorOption configures a Mirror.
type MirrorOption func(*Mirror)

// WithMirrorTimeout bounds each write.
func WithMirrorTimeout(d time.Duration) MirrorOption {
	return func(m *Mirror) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithMirrorErrorHook is called with the operation name for every failed
// or dropped write.
func WithMirrorErrorHook(fn func(op string)) MirrorOption {
	return func(m *Mirror) { m.onError = fn }
}

// NewMirror creates a mirror with a queue of size entries.
func NewMirror(rel Relational, size int, log *slog.Logger, opts ...MirrorOption) *Mirror {
	m := &Mirror{
		rel:     rel,
		log:     log,
		timeout: 5 * time.Second,
		queue:   make(chan mirrorOp, max(size, 1)),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start runs the worker until Close drains the queue.
func (m *Mirror) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started || m.closed {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	go func() {
		defer close(m.done)
		for op := range m.queue {
			opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
			if err := op.fn(opCtx); err != nil {
				m.log.Warn("mirror write failed", slog.String("op", op.name), logger.Error(err))
				m.fail(op.name)
			}
			cancel()
		}
	}()
	return nil
}

func (m *Mirror) fail(op string) {
	if m.onError != nil {
		m.onError(op)
	}
}

func (m *Mirror) enqueue(name string, fn func(context.Context) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	select {
	case m.queue <- mirrorOp{name: name, fn: fn}:
		return nil
	default:
		m.log.Warn("mirror queue full, dropping write", slog.String("op", name))
		m.fail(name)
		return ErrMirrorOverflow
	}
}

func (m *Mirror) InsertSession(_ context.Context, rec SessionRecord) error {
	return m.enqueue("insert_session", func(ctx context.Context) error {
		return m.rel.InsertSession(ctx, rec)
	})
}

func (m *Mirror) UpdateSession(_ context.Context, rec SessionRecord) error {
	return m.enqueue("update_session", func(ctx context.Context) error {
		return m.rel.UpdateSession(ctx, rec)
	})
}

func (m *Mirror) InsertRequestAudit(_ context.Context, a RequestAudit) error {
	return m.enqueue("insert_request", func(ctx context.Context) error {
		return m.rel.InsertRequestAudit(ctx, a)
	})
}

// Close stops accepting writes and waits for queued ones, bounded by ctx.
func (m *Mirror) Close(ctx context.Context) error {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.queue)
		if !m.started {
			close(m.done)
		}
	}
	m.mu.Unlock()
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

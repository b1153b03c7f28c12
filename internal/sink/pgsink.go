package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/byte4byte/b4b/internal/event"
	"github.com/byte4byte/b4b/internal/logger"
)

var (
	ErrInvalidTable = errors.New("invalid table name")
	tableName       = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)
)

var eventColumns = []string{"event_id", "ts", "type", "group_name", "ray_id", "payload"}

// validateTableName guards the identifiers interpolated into DDL and
// COPY statements.
func validateTableName(name string) error {
	if !tableName.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidTable, name)
	}
	return nil
}

type PGConfig struct {
	Table         string
	BatchSize     int
	FlushInterval time.Duration
	UseCopy       bool
}

// PGSink batches events into a JSONB table. A failed batch is retried on
// the next flush; beyond maxPending events the oldest are dropped.
type PGSink struct {
	config PGConfig
	db     *sql.DB
	log    *slog.Logger

	mu    sync.Mutex
	batch []event.Event

	ctx     context.Context
	cancel  context.CancelFunc
	flushCh chan struct{}
	wg      sync.WaitGroup
}

// NewPGSink creates a sink batching events into the configured table.
func NewPGSink(db *sql.DB, cfg PGConfig, log *slog.Logger) *PGSink {
	if cfg.Table == "" {
		cfg.Table = "ray_events"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	return &PGSink{config: cfg, db: db, log: log, flushCh: make(chan struct{}, 1)}
}

func (s *PGSink) Name() string { return "postgres" }

func (s *PGSink) maxPending() int { return s.config.BatchSize * 10 }

func (s *PGSink) Start(ctx context.Context) error {
	if err := validateTableName(s.config.Table); err != nil {
		return err
	}
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	if err := s.ensureSchema(); err != nil {
		return err
	}
	s.wg.Add(1)
	go s.flushRoutine()
	return nil
}

// ensureSchema is a no-op on the migrated default table and creates
// custom tables on first use.
func (s *PGSink) ensureSchema() error {
	t := s.config.Table
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		event_id   UUID        PRIMARY KEY,
		ts         TIMESTAMPTZ NOT NULL,
		type       TEXT        NOT NULL,
		group_name TEXT,
		ray_id     TEXT,
		payload    JSONB       NOT NULL
	)`, t)
	if _, err := s.db.ExecContext(s.ctx, ddl); err != nil {
		return fmt.Errorf("failed to create table %s: %w", t, err)
	}
	indexes := []string{
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_ray ON %s (group_name, ray_id)", t, t),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_gin ON %s USING GIN (payload)", t, t),
	}
	for _, q := range indexes {
		if _, err := s.db.ExecContext(s.ctx, q); err != nil {
			return fmt.Errorf("failed to create index on %s: %w", t, err)
		}
	}
	return nil
}

func (s *PGSink) Enqueue(e event.Event) error {
	s.mu.Lock()
	s.batch = append(s.batch, e)
	full := len(s.batch) >= s.config.BatchSize
	s.mu.Unlock()
	if full {
		select {
		case s.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

func (s *PGSink) flushRoutine() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		case <-s.flushCh:
		}
		if err := s.flushBatch(); err != nil {
			s.log.Warn("event batch flush failed", logger.Component("sink"), logger.Error(err))
		}
	}
}

// flushBatch writes the pending events. On failure they are put back in
// front of anything enqueued meanwhile.
func (s *PGSink) flushBatch() error {
	s.mu.Lock()
	pending := s.batch
	s.batch = nil
	s.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}

	var err error
	if s.config.UseCopy {
		err = s.flushWithCopy(pending)
	} else {
		err = s.flushWithInsert(pending)
	}
	if err == nil {
		return nil
	}

	s.mu.Lock()
	s.batch = append(pending, s.batch...)
	if over := len(s.batch) - s.maxPending(); over > 0 {
		s.batch = s.batch[over:]
		s.log.Warn("event batch overflow, dropped oldest", logger.Component("sink"), slog.Int("dropped", over))
	}
	s.mu.Unlock()
	return err
}

func row(e event.Event) ([]any, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	ts, err := time.Parse(time.RFC3339Nano, e.TS)
	if err != nil {
		ts = time.Now().UTC()
	}
	return []any{e.EventID, ts, e.Type, e.Group, e.Ray.ID, string(payload)}, nil
}

func (s *PGSink) flushWithInsert(events []event.Event) error {
	if len(events) == 0 {
		return nil
	}
	var (
		b    strings.Builder
		args = make([]any, 0, len(events)*len(eventColumns))
	)
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", s.config.Table, strings.Join(eventColumns, ", "))
	for i, e := range events {
		vals, err := row(e)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", e.EventID, err)
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j := range vals {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", len(args)+j+1)
		}
		b.WriteByte(')')
		args = append(args, vals...)
	}
	b.WriteString(" ON CONFLICT (event_id) DO NOTHING")

	if _, err := s.db.ExecContext(s.ctx, b.String(), args...); err != nil {
		return fmt.Errorf("insert %d events: %w", len(events), err)
	}
	return nil
}

func (s *PGSink) flushWithCopy(events []event.Event) (err error) {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(s.ctx, nil)
	if err != nil {
		return fmt.Errorf("begin copy: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(s.ctx, pq.CopyIn(s.config.Table, eventColumns...))
	if err != nil {
		return fmt.Errorf("prepare copy: %w", err)
	}
	for _, e := range events {
		vals, rerr := row(e)
		if rerr != nil {
			_ = stmt.Close()
			return fmt.Errorf("encode event %s: %w", e.EventID, rerr)
		}
		if _, err = stmt.ExecContext(s.ctx, vals...); err != nil {
			_ = stmt.Close()
			return fmt.Errorf("copy event %s: %w", e.EventID, err)
		}
	}
	if _, err = stmt.ExecContext(s.ctx); err != nil {
		_ = stmt.Close()
		return fmt.Errorf("finish copy: %w", err)
	}
	if err = stmt.Close(); err != nil {
		return fmt.Errorf("close copy: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit copy: %w", err)
	}
	return nil
}

// Close stops the flusher and writes what is left.
func (s *PGSink) Close() error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	s.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.ctx = ctx
	return s.flushBatch()
}

// Pending reports the number of events waiting for a flush.
func (s *PGSink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batch)
}

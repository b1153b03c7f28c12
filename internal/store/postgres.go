package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SessionRecord is the relational mirror of a visitor session.
type SessionRecord struct {
	UUID              string
	Group             string
	CreateTime        int64
	UpdateTime        int64
	Status            string
	IP                string
	UserAgent         string
	FullChallengeID   string
	InjectChallengeID string
	RequestType       string
	Score             *int
	VerifyLogs        []string
	ScoreLogs         any
	Extra             map[string]any
}

// RequestAudit is one proxied request attributed to a session.
type RequestAudit struct {
	RayUUID string
	Group   string
	Time    int64
	Method  string
	URL     string
	Status  string
}

// Relational receives the append-only analytics mirror.
type Relational interface {
	InsertSession(ctx context.Context, rec SessionRecord) error
	UpdateSession(ctx context.Context, rec SessionRecord) error
	InsertRequestAudit(ctx context.Context, a RequestAudit) error
}

// Postgres implements Relational with database/sql and lib/pq.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open database handle.
func NewPostgres(db *sql.DB) *Postgres { return &Postgres{db: db} }

// OpenPostgres opens dsn and pings it until ready or attempts run out.
func OpenPostgres(ctx context.Context, dsn string, attempts int, interval time.Duration) (*sql.DB, error) {
	if dsn == "" {
		return nil, ErrEmptyURL
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	attempts = max(attempts, 1)
	for i := 0; i < attempts; i++ {
		if err = db.PingContext(ctx); err == nil {
			return db, nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			_ = db.Close()
			return nil, errors.Join(ErrNotReady, ctx.Err())
		case <-time.After(interval):
		}
	}
	_ = db.Close()
	return nil, errors.Join(ErrNotReady, err)
}

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("store: goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func jsonParam(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (rec SessionRecord) params() ([]any, error) {
	var verify, extra any
	var err error
	if len(rec.VerifyLogs) > 0 {
		if verify, err = jsonParam(rec.VerifyLogs); err != nil {
			return nil, err
		}
	}
	if len(rec.Extra) > 0 {
		if extra, err = jsonParam(rec.Extra); err != nil {
			return nil, err
		}
	}
	score, err := jsonParam(rec.ScoreLogs)
	if err != nil {
		return nil, err
	}
	var scoreVal sql.NullInt64
	if rec.Score != nil {
		scoreVal = sql.NullInt64{Int64: int64(*rec.Score), Valid: true}
	}
	return []any{
		rec.UUID, rec.Group, rec.CreateTime, rec.UpdateTime, rec.Status,
		nullString(rec.IP), nullString(rec.UserAgent),
		nullString(rec.FullChallengeID), nullString(rec.InjectChallengeID),
		nullString(rec.RequestType), scoreVal, verify, score, extra,
	}, nil
}

const insertSessionSQL = `INSERT INTO rays (uuid, group_name, time_create, time_update, status, ip, user_agent,
 full_challenge_id, inject_challenge_id, request_type, score, verify_logs, score_logs, extra_data)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (group_name, uuid) DO NOTHING`

// updateSessionSQL upserts so a session whose first insert was dropped
// still gets its row.
const updateSessionSQL = `INSERT INTO rays (uuid, group_name, time_create, time_update, status, ip, user_agent,
 full_challenge_id, inject_challenge_id, request_type, score, verify_logs, score_logs, extra_data)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (group_name, uuid) DO UPDATE SET time_update = EXCLUDED.time_update,
 status = EXCLUDED.status, ip = EXCLUDED.ip, user_agent = EXCLUDED.user_agent,
 full_challenge_id = EXCLUDED.full_challenge_id, inject_challenge_id = EXCLUDED.inject_challenge_id,
 request_type = EXCLUDED.request_type, score = EXCLUDED.score, verify_logs = EXCLUDED.verify_logs,
 score_logs = EXCLUDED.score_logs, extra_data = EXCLUDED.extra_data`

const insertRequestSQL = `INSERT INTO requests (ray_id, time, method, url, status)
SELECT id, $3, $4, $5, $6 FROM rays WHERE uuid = $1 AND group_name = $2`

func (p *Postgres) InsertSession(ctx context.Context, rec SessionRecord) error {
	args, err := rec.params()
	if err != nil {
		return fmt.Errorf("store: encode session: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, insertSessionSQL, args...); err != nil {
		return fmt.Errorf("store: insert session: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateSession(ctx context.Context, rec SessionRecord) error {
	args, err := rec.params()
	if err != nil {
		return fmt.Errorf("store: encode session: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, updateSessionSQL, args...); err != nil {
		return fmt.Errorf("store: update session: %w", err)
	}
	return nil
}

func (p *Postgres) InsertRequestAudit(ctx context.Context, a RequestAudit) error {
	_, err := p.db.ExecContext(ctx, insertRequestSQL, a.RayUUID, a.Group, a.Time, a.Method, a.URL, a.Status)
	if err != nil {
		return fmt.Errorf("store: insert request: %w", err)
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return errors.Join(ErrHealthcheck, err)
	}
	return nil
}

// Nop discards every relational write.
type Nop struct{}

func (Nop) InsertSession(context.Context, SessionRecord) error     { return nil }
func (Nop) UpdateSession(context.Context, SessionRecord) error     { return nil }
func (Nop) InsertRequestAudit(context.Context, RequestAudit) error { return nil }

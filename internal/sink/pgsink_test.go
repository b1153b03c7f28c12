package sink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/byte4byte/b4b/internal/event"
	"github.com/byte4byte/b4b/internal/logger"
)

func TestValidateTableName(t *testing.T) {
	tests := []struct {
		name    string
		table   string
		wantErr bool
	}{
		{"simple", "ray_events", false},
		{"digits", "events_2024", false},
		{"leading underscore", "_private", false},
		{"63 chars", "abcdefghijklmnopqrstuvwxyz_abcdefghijklmnopqrstuvwxyz_1234567", false},
		{"empty", "", true},
		{"injection", "events; DROP TABLE rays;--", true},
		{"quote", "events' OR '1'='1", true},
		{"space", "my events", true},
		{"dash", "ray-events", true},
		{"leading digit", "2024_events", true},
		{"too long", "this_is_a_very_long_table_name_that_exceeds_the_postgresql_limit_of_63_characters", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateTableName(tt.table)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTable)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func newMockSink(t *testing.T, cfg PGConfig) (*PGSink, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s := NewPGSink(db, cfg, logger.Discard())
	s.ctx = context.Background()
	return s, mock
}

func TestNewPGSinkDefaults(t *testing.T) {
	s := NewPGSink(nil, PGConfig{}, logger.Discard())
	assert.Equal(t, "ray_events", s.config.Table)
	assert.Equal(t, 100, s.config.BatchSize)
	assert.Equal(t, 2*time.Second, s.config.FlushInterval)
	assert.Equal(t, "postgres", s.Name())
}

func TestPGSinkStartRejectsBadTable(t *testing.T) {
	s := NewPGSink(nil, PGConfig{Table: "bad name"}, logger.Discard())
	assert.ErrorIs(t, s.Start(context.Background()), ErrInvalidTable)
	assert.NoError(t, s.Close())
}

func TestPGSinkEnsureSchema(t *testing.T) {
	s, mock := newMockSink(t, PGConfig{Table: "audit_events"})
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_events").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_audit_events_ray").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_audit_events_gin").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.ensureSchema())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGSinkEnsureSchemaErrors(t *testing.T) {
	s, mock := newMockSink(t, PGConfig{})
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS ray_events").WillReturnError(errors.New("permission denied"))
	assert.ErrorContains(t, s.ensureSchema(), "failed to create table")

	s, mock = newMockSink(t, PGConfig{})
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS ray_events").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX").WillReturnError(errors.New("boom"))
	assert.ErrorContains(t, s.ensureSchema(), "failed to create index")
}

func TestPGSinkFlushWithInsert(t *testing.T) {
	s, mock := newMockSink(t, PGConfig{})
	events := []event.Event{testEvent("11111111-1111-1111-1111-111111111111", "verdict"), testEvent("22222222-2222-2222-2222-222222222222", "session_end")}

	mock.ExpectExec(`INSERT INTO ray_events \(event_id, ts, type, group_name, ray_id, payload\) VALUES \(\$1, \$2, \$3, \$4, \$5, \$6\), \(\$7, .*\$12\) ON CONFLICT`).
		WithArgs("11111111-1111-1111-1111-111111111111", sqlmock.AnyArg(), "verdict", "main", "ray-11111111-1111-1111-1111-111111111111", sqlmock.AnyArg(),
			"22222222-2222-2222-2222-222222222222", sqlmock.AnyArg(), "session_end", "main", "ray-22222222-2222-2222-2222-222222222222", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, s.flushWithInsert(events))
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.NoError(t, s.flushWithInsert(nil))
}

func TestPGSinkFlushWithCopy(t *testing.T) {
	s, mock := newMockSink(t, PGConfig{UseCopy: true})
	events := []event.Event{testEvent("1", "verdict"), testEvent("2", "verdict")}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`COPY "ray_events"`)
	prep.ExpectExec().WithArgs("1", sqlmock.AnyArg(), "verdict", "main", "ray-1", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WithArgs("2", sqlmock.AnyArg(), "verdict", "main", "ray-2", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, s.flushWithCopy(events))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGSinkFlushWithCopyRollsBack(t *testing.T) {
	s, mock := newMockSink(t, PGConfig{UseCopy: true})

	mock.ExpectBegin()
	mock.ExpectPrepare(`COPY "ray_events"`).ExpectExec().WillReturnError(errors.New("bad row"))
	mock.ExpectRollback()

	assert.ErrorContains(t, s.flushWithCopy([]event.Event{testEvent("1", "verdict")}), "bad row")
	assert.NoError(t, mock.ExpectationsWereMet())

	s, mock = newMockSink(t, PGConfig{UseCopy: true})
	mock.ExpectBegin().WillReturnError(errors.New("no conn"))
	assert.ErrorContains(t, s.flushWithCopy([]event.Event{testEvent("1", "verdict")}), "begin copy")
}

func TestPGSinkFlushBatchKeepsEventsOnError(t *testing.T) {
	s, mock := newMockSink(t, PGConfig{})
	require.NoError(t, s.Enqueue(testEvent("1", "verdict")))

	mock.ExpectExec("INSERT INTO ray_events").WillReturnError(errors.New("flush error"))
	require.Error(t, s.flushBatch())
	assert.Equal(t, 1, s.Pending())

	mock.ExpectExec("INSERT INTO ray_events").WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.flushBatch())
	assert.Zero(t, s.Pending())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGSinkFlushBatchCapsPending(t *testing.T) {
	s, mock := newMockSink(t, PGConfig{BatchSize: 1})
	for i := 0; i < 15; i++ {
		s.batch = append(s.batch, testEvent("x", "verdict"))
	}
	mock.ExpectExec("INSERT INTO ray_events").WillReturnError(errors.New("down"))
	require.Error(t, s.flushBatch())
	assert.Equal(t, 10, s.Pending())
}

func TestPGSinkFlushesWhenBatchFull(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPGSink(db, PGConfig{BatchSize: 2, FlushInterval: time.Hour}, logger.Discard())
	mock.ExpectExec("CREATE TABLE").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO ray_events").WillReturnResult(sqlmock.NewResult(0, 2))
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Enqueue(testEvent("1", "verdict")))
	require.NoError(t, s.Enqueue(testEvent("2", "verdict")))
	waitFor(t, func() bool { return mock.ExpectationsWereMet() == nil })

	require.NoError(t, s.Close())
}

func TestPGSinkCloseFlushesRemainder(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPGSink(db, PGConfig{BatchSize: 50, FlushInterval: time.Hour}, logger.Discard())
	mock.ExpectExec("CREATE TABLE").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Enqueue(testEvent("1", "verdict")))
	mock.ExpectExec("INSERT INTO ray_events").WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

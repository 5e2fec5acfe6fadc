// Package journal persists finished transition cycles in SQLite so the
// history survives restarts. Committed state is never restored from it.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"pkt.systems/activityd/internal/clock"
	"pkt.systems/activityd/internal/codec"
	"pkt.systems/activityd/internal/core"
	"pkt.systems/activityd/internal/svcfields"
	"pkt.systems/activityd/internal/uuidv7"
	"pkt.systems/pslog"
)

// MemoryDSN opens a private in-memory database.
const MemoryDSN = ":memory:"

// DefaultRetain bounds the number of cycles kept on disk.
const DefaultRetain = 10000

// Store is a core.Journal backed by SQLite in WAL mode.
type Store struct {
	db     *sql.DB
	retain int
	logger pslog.Logger
	clock  clock.Clock
}

var _ core.Journal = (*Store)(nil)

// Option customises Open.
type Option func(*Store)

// WithRetain bounds the number of stored cycles. Zero or less keeps
// DefaultRetain.
func WithRetain(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.retain = n
		}
	}
}

// WithClock sets the clock used for contention backoff.
func WithClock(clk clock.Clock) Option {
	return func(s *Store) {
		if clk != nil {
			s.clock = clk
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger pslog.Logger) Option {
	return func(s *Store) {
		s.logger = svcfields.WithSubsystem(svcfields.EnsureLogger(logger), svcfields.Journal)
	}
}

// Open opens (or creates) the database at path and migrates the schema.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("journal: path required")
	}
	dsn := path
	if path != MemoryDSN {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: open db: %w", err)
	}
	if path == MemoryDSN {
		// Every connection gets its own in-memory database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	s := &Store{db: db, retain: DefaultRetain, clock: clock.Real{}, logger: svcfields.WithSubsystem(pslog.NoopLogger(), svcfields.Journal)}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	s.logger.Info("journal.opened", "path", path, "retain", s.retain)
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS cycles (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		id          TEXT NOT NULL UNIQUE,
		target      TEXT NOT NULL,
		scope       TEXT NOT NULL,
		outcome     TEXT NOT NULL,
		status      TEXT NOT NULL DEFAULT '',
		fast_path   INTEGER NOT NULL DEFAULT 0,
		replies     BLOB,
		started_at  TEXT NOT NULL,
		finished_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cycles_finished ON cycles(finished_at);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// replies is the CBOR column holding the per-client verdict lists.
type replies struct {
	Acked  []core.ClientRef `cbor:"acked,omitempty"`
	Nacked []core.ClientRef `cbor:"nacked,omitempty"`
	NoAck  []core.ClientRef `cbor:"no_ack,omitempty"`
}

// RecordCycle stores rec and prunes the oldest cycles beyond the retain
// limit.
func (s *Store) RecordCycle(ctx context.Context, rec core.CycleRecord) error {
	blob, err := codec.Marshal(replies{Acked: rec.Acked, Nacked: rec.Nacked, NoAck: rec.NoAck})
	if err != nil {
		return fmt.Errorf("journal: encode replies: %w", err)
	}
	fastPath := 0
	if rec.FastPath {
		fastPath = 1
	}
	err = s.retryOnContention(func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO cycles (id, target, scope, outcome, status, fast_path, replies, started_at, finished_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET outcome = excluded.outcome, status = excluded.status,
			   replies = excluded.replies, finished_at = excluded.finished_at`,
			rec.ID, string(rec.Target), string(rec.Scope), string(rec.Outcome), string(rec.Status),
			fastPath, blob, formatTime(rec.StartedAt), formatTime(rec.FinishedAt),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("journal: insert cycle %s: %w", rec.ID, err)
	}
	return s.retryOnContention(func() error {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM cycles WHERE seq <= (SELECT MAX(seq) FROM cycles) - ?`, s.retain)
		return err
	})
}

// RecentCycles returns up to limit cycles, newest first. A limit of zero or
// less returns every stored cycle.
func (s *Store) RecentCycles(ctx context.Context, limit int) ([]core.CycleRecord, error) {
	if limit <= 0 {
		limit = s.retain
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, target, scope, outcome, status, fast_path, replies, started_at, finished_at
		 FROM cycles ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: query cycles: %w", err)
	}
	defer rows.Close()

	var out []core.CycleRecord
	for rows.Next() {
		rec, err := scanCycle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanCycle(rows *sql.Rows) (core.CycleRecord, error) {
	var (
		rec                 core.CycleRecord
		target, scope       string
		outcome, status     string
		fastPath            int
		blob                []byte
		startedAt, finished string
	)
	if err := rows.Scan(&rec.ID, &target, &scope, &outcome, &status, &fastPath, &blob, &startedAt, &finished); err != nil {
		return rec, fmt.Errorf("journal: scan cycle: %w", err)
	}
	rec.Target = core.State(target)
	rec.Scope = core.Scope(scope)
	rec.Outcome = core.CycleOutcome(outcome)
	rec.Status = core.ConsolidatedStatus(status)
	rec.FastPath = fastPath != 0
	if len(blob) > 0 {
		var r replies
		if err := codec.Unmarshal(blob, &r); err != nil {
			return rec, fmt.Errorf("journal: decode replies for %s: %w", rec.ID, err)
		}
		rec.Acked, rec.Nacked, rec.NoAck = r.Acked, r.Nacked, r.NoAck
	}
	var ok bool
	if rec.StartedAt, ok = parseTime(startedAt); !ok {
		// Cycle ids are UUIDv7 and embed their start time.
		rec.StartedAt, _ = uuidv7.Timestamp(rec.ID)
	}
	rec.FinishedAt, _ = parseTime(finished)
	return rec, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

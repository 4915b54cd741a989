// Package store keeps the session journal in SQLite: one row per AEC capture
// session with its configuration and the counters it ended with.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"bken/aecd/internal/config"
)

// ErrSessionNotFound is returned when no session row exists for an ID.
var ErrSessionNotFound = errors.New("session not found")

// Summary is what a session ended with.
type Summary struct {
	Blocks         uint64 `json:"blocks"`
	PassThrough    uint64 `json:"pass_through"`
	ReferenceShort uint64 `json:"reference_short"`
	Overwritten    uint64 `json:"overwritten"`
	Resyncs        uint64 `json:"resyncs"`
	Errors         uint64 `json:"errors"`
	LastError      string `json:"last_error,omitempty"`
}

// Session is one journal row. StoppedAt is zero while the session runs (or
// if the process died before it stopped).
type Session struct {
	ID        int64      `json:"id"`
	StartedAt time.Time  `json:"started_at"`
	StoppedAt time.Time  `json:"stopped_at,omitzero"`
	Config    config.AEC `json:"config"`
	Summary
}

// Store persists the journal in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database and runs migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	st := &Store{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("sqlite store opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	started_at_unix_ms INTEGER NOT NULL,
	stopped_at_unix_ms INTEGER NOT NULL DEFAULT 0,
	config TEXT NOT NULL,
	blocks INTEGER NOT NULL DEFAULT 0,
	pass_through INTEGER NOT NULL DEFAULT 0,
	reference_short INTEGER NOT NULL DEFAULT 0,
	overwritten INTEGER NOT NULL DEFAULT 0,
	resyncs INTEGER NOT NULL DEFAULT 0,
	errors INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at_unix_ms);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run sqlite migrations: %w", err)
	}
	slog.Debug("sqlite migrations applied")
	return nil
}

// BeginSession records a session start and returns its ID.
func (s *Store) BeginSession(ctx context.Context, cfg config.AEC, start time.Time) (int64, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return 0, fmt.Errorf("encode session config: %w", err)
	}
	const q = `INSERT INTO sessions (started_at_unix_ms, config) VALUES (?, ?)`
	res, err := s.db.ExecContext(ctx, q, start.UnixMilli(), string(raw))
	if err != nil {
		return 0, fmt.Errorf("insert session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("session id: %w", err)
	}
	slog.Debug("session begun", "session_id", id)
	return id, nil
}

// EndSession records the stop time and final counters of a session.
func (s *Store) EndSession(ctx context.Context, id int64, stop time.Time, sum Summary) error {
	const q = `
UPDATE sessions SET
	stopped_at_unix_ms = ?, blocks = ?, pass_through = ?, reference_short = ?,
	overwritten = ?, resyncs = ?, errors = ?, last_error = ?
WHERE id = ?
`
	res, err := s.db.ExecContext(ctx, q, stop.UnixMilli(),
		int64(sum.Blocks), int64(sum.PassThrough), int64(sum.ReferenceShort),
		int64(sum.Overwritten), int64(sum.Resyncs), int64(sum.Errors), sum.LastError, id)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", ErrSessionNotFound, id)
	}
	slog.Debug("session ended", "session_id", id, "blocks", sum.Blocks)
	return nil
}

const selectSession = `
SELECT id, started_at_unix_ms, stopped_at_unix_ms, config, blocks, pass_through,
	reference_short, overwritten, resyncs, errors, last_error
FROM sessions
`

// SessionByID returns one session.
func (s *Store) SessionByID(ctx context.Context, id int64) (Session, error) {
	row := s.db.QueryRowContext(ctx, selectSession+`WHERE id = ?`, id)
	out, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("%w: %d", ErrSessionNotFound, id)
	}
	return out, err
}

// Sessions returns the most recent sessions, newest first.
func (s *Store) Sessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, selectSession+`ORDER BY started_at_unix_ms DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (Session, error) {
	var (
		out              Session
		started, stopped int64
		raw              string
		counters         [6]int64
	)
	err := sc.Scan(&out.ID, &started, &stopped, &raw,
		&counters[0], &counters[1], &counters[2], &counters[3], &counters[4], &counters[5], &out.LastError)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, err
		}
		return Session{}, fmt.Errorf("scan session: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &out.Config); err != nil {
		return Session{}, fmt.Errorf("decode session config: %w", err)
	}
	out.StartedAt = time.UnixMilli(started).UTC()
	if stopped != 0 {
		out.StoppedAt = time.UnixMilli(stopped).UTC()
	}
	out.Blocks = uint64(counters[0])
	out.PassThrough = uint64(counters[1])
	out.ReferenceShort = uint64(counters[2])
	out.Overwritten = uint64(counters[3])
	out.Resyncs = uint64(counters[4])
	out.Errors = uint64(counters[5])
	return out, nil
}

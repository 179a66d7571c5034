// Package sqlite implements history.Store on an embedded SQLite database
// (modernc.org/sqlite, no cgo).
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/livevox/internal/history"
	"github.com/MrWong99/livevox/internal/transcript"
	"github.com/MrWong99/livevox/pkg/provider/live"
)

var _ history.Store = (*Store)(nil)

// Store is a SQLite-backed [history.Store]. Timestamps are stored as Unix
// nanoseconds in UTC.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path and applies the
// schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite: path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// A single connection serialises writers; SQLite allows one at a time.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	if err := initSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initSchema(ctx context.Context, db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	started_at INTEGER NOT NULL,
	ended_at   INTEGER NOT NULL,
	outcome    TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sessions_ended_at ON sessions(ended_at DESC);

CREATE TABLE IF NOT EXISTS entries (
	session_id TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
	seq        INTEGER NOT NULL,
	speaker    TEXT NOT NULL,
	text       TEXT NOT NULL,
	at         INTEGER NOT NULL,
	PRIMARY KEY (session_id, seq)
);`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("sqlite: init schema: %w", err)
	}
	return nil
}

// Save implements [history.Store].
func (s *Store) Save(ctx context.Context, r history.Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: save: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after Commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, r.SessionID); err != nil {
		return fmt.Errorf("sqlite: save: clear: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (session_id, started_at, ended_at, outcome, reason) VALUES (?, ?, ?, ?, ?)`,
		r.SessionID, r.StartedAt.UnixNano(), r.EndedAt.UnixNano(), string(r.Outcome), r.Reason,
	); err != nil {
		return fmt.Errorf("sqlite: save: session: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO entries (session_id, seq, speaker, text, at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite: save: prepare: %w", err)
	}
	defer stmt.Close()
	for i, e := range r.Entries {
		if _, err := stmt.ExecContext(ctx, r.SessionID, i, e.Speaker.String(), e.Text, e.At.UnixNano()); err != nil {
			return fmt.Errorf("sqlite: save: entry %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: save: commit: %w", err)
	}
	return nil
}

// List implements [history.Store].
func (s *Store) List(ctx context.Context, limit int) ([]history.Summary, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT s.session_id, s.started_at, s.ended_at, s.outcome,
       (SELECT COUNT(*) FROM entries e WHERE e.session_id = s.session_id),
       COALESCE((SELECT e.text FROM entries e WHERE e.session_id = s.session_id ORDER BY e.seq LIMIT 1), '')
FROM sessions s
ORDER BY s.ended_at DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list: %w", err)
	}
	defer rows.Close()

	var out []history.Summary
	for rows.Next() {
		var (
			sum            history.Summary
			started, ended int64
			outcome, first string
		)
		if err := rows.Scan(&sum.SessionID, &started, &ended, &outcome, &sum.Entries, &first); err != nil {
			return nil, fmt.Errorf("sqlite: list: scan: %w", err)
		}
		sum.StartedAt = fromNanos(started)
		sum.EndedAt = fromNanos(ended)
		sum.Outcome = history.Outcome(outcome)
		sum.Preview = history.Preview(first)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list: %w", err)
	}
	return out, nil
}

// Get implements [history.Store].
func (s *Store) Get(ctx context.Context, sessionID string) (history.Record, error) {
	var (
		r              history.Record
		started, ended int64
		outcome        string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, started_at, ended_at, outcome, reason FROM sessions WHERE session_id = ?`, sessionID,
	).Scan(&r.SessionID, &started, &ended, &outcome, &r.Reason)
	if errors.Is(err, sql.ErrNoRows) {
		return history.Record{}, fmt.Errorf("%w: %s", history.ErrNotFound, sessionID)
	}
	if err != nil {
		return history.Record{}, fmt.Errorf("sqlite: get: %w", err)
	}
	r.StartedAt = fromNanos(started)
	r.EndedAt = fromNanos(ended)
	r.Outcome = history.Outcome(outcome)

	rows, err := s.db.QueryContext(ctx,
		`SELECT speaker, text, at FROM entries WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return history.Record{}, fmt.Errorf("sqlite: get entries: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			speaker string
			e       transcript.Entry
			at      int64
		)
		if err := rows.Scan(&speaker, &e.Text, &at); err != nil {
			return history.Record{}, fmt.Errorf("sqlite: get entries: scan: %w", err)
		}
		if e.Speaker, err = live.ParseSpeaker(speaker); err != nil {
			return history.Record{}, fmt.Errorf("sqlite: get entries: %w", err)
		}
		e.At = fromNanos(at)
		r.Entries = append(r.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return history.Record{}, fmt.Errorf("sqlite: get entries: %w", err)
	}
	return r, nil
}

// Ping implements [history.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements [history.Store].
func (s *Store) Close() error {
	return s.db.Close()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// Package postgres implements history.Store on PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/livevox/internal/history"
	"github.com/MrWong99/livevox/internal/transcript"
	"github.com/MrWong99/livevox/pkg/provider/live"
)

var _ history.Store = (*Store)(nil)

// Store is a PostgreSQL-backed [history.Store]. It is safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, verifies the connection and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres history: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres history: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres history: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Save implements [history.Store]. Entries are written with COPY inside the
// same transaction as the session row.
func (s *Store) Save(ctx context.Context, r history.Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres history: save: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after Commit

	const upsert = `
		INSERT INTO livevox_sessions (session_id, started_at, ended_at, outcome, reason)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id) DO UPDATE
		SET started_at = EXCLUDED.started_at,
		    ended_at   = EXCLUDED.ended_at,
		    outcome    = EXCLUDED.outcome,
		    reason     = EXCLUDED.reason`
	if _, err := tx.Exec(ctx, upsert, r.SessionID, r.StartedAt, r.EndedAt, string(r.Outcome), r.Reason); err != nil {
		return fmt.Errorf("postgres history: save: session: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM livevox_entries WHERE session_id = $1`, r.SessionID); err != nil {
		return fmt.Errorf("postgres history: save: clear entries: %w", err)
	}

	if len(r.Entries) > 0 {
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"livevox_entries"},
			[]string{"session_id", "seq", "speaker", "text", "at"},
			pgx.CopyFromSlice(len(r.Entries), func(i int) ([]any, error) {
				e := r.Entries[i]
				return []any{r.SessionID, int32(i), e.Speaker.String(), e.Text, e.At}, nil
			}),
		)
		if err != nil {
			return fmt.Errorf("postgres history: save: entries: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres history: save: commit: %w", err)
	}
	return nil
}

// List implements [history.Store].
func (s *Store) List(ctx context.Context, limit int) ([]history.Summary, error) {
	const q = `
		SELECT s.session_id, s.started_at, s.ended_at, s.outcome,
		       COUNT(e.seq)::int,
		       COALESCE((SELECT f.text FROM livevox_entries f
		                 WHERE f.session_id = s.session_id ORDER BY f.seq LIMIT 1), '')
		FROM livevox_sessions s
		LEFT JOIN livevox_entries e ON e.session_id = s.session_id
		GROUP BY s.session_id
		ORDER BY s.ended_at DESC
		LIMIT $1`

	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx, q, lim)
	if err != nil {
		return nil, fmt.Errorf("postgres history: list: %w", err)
	}
	sums, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (history.Summary, error) {
		var (
			sum     history.Summary
			outcome string
			first   string
		)
		if err := row.Scan(&sum.SessionID, &sum.StartedAt, &sum.EndedAt, &outcome, &sum.Entries, &first); err != nil {
			return history.Summary{}, err
		}
		sum.StartedAt = sum.StartedAt.UTC()
		sum.EndedAt = sum.EndedAt.UTC()
		sum.Outcome = history.Outcome(outcome)
		sum.Preview = history.Preview(first)
		return sum, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres history: list: %w", err)
	}
	return sums, nil
}

// Get implements [history.Store].
func (s *Store) Get(ctx context.Context, sessionID string) (history.Record, error) {
	var (
		r       history.Record
		outcome string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT session_id, started_at, ended_at, outcome, reason FROM livevox_sessions WHERE session_id = $1`,
		sessionID,
	).Scan(&r.SessionID, &r.StartedAt, &r.EndedAt, &outcome, &r.Reason)
	if errors.Is(err, pgx.ErrNoRows) {
		return history.Record{}, fmt.Errorf("%w: %s", history.ErrNotFound, sessionID)
	}
	if err != nil {
		return history.Record{}, fmt.Errorf("postgres history: get: %w", err)
	}
	r.StartedAt = r.StartedAt.UTC()
	r.EndedAt = r.EndedAt.UTC()
	r.Outcome = history.Outcome(outcome)

	rows, err := s.pool.Query(ctx,
		`SELECT speaker, text, at FROM livevox_entries WHERE session_id = $1 ORDER BY seq`, sessionID)
	if err != nil {
		return history.Record{}, fmt.Errorf("postgres history: get entries: %w", err)
	}
	r.Entries, err = collectEntries(rows)
	if err != nil {
		return history.Record{}, fmt.Errorf("postgres history: get entries: %w", err)
	}
	return r, nil
}

func collectEntries(rows pgx.Rows) ([]transcript.Entry, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (transcript.Entry, error) {
		var (
			e       transcript.Entry
			speaker string
			at      time.Time
		)
		if err := row.Scan(&speaker, &e.Text, &at); err != nil {
			return transcript.Entry{}, err
		}
		sp, err := live.ParseSpeaker(speaker)
		if err != nil {
			return transcript.Entry{}, err
		}
		e.Speaker = sp
		e.At = at.UTC()
		return e, nil
	})
}

// Ping implements [history.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements [history.Store]. It never fails.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS livevox_sessions (
    session_id TEXT        PRIMARY KEY,
    started_at TIMESTAMPTZ NOT NULL,
    ended_at   TIMESTAMPTZ NOT NULL,
    outcome    TEXT        NOT NULL,
    reason     TEXT        NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_livevox_sessions_ended_at
    ON livevox_sessions (ended_at DESC);

CREATE TABLE IF NOT EXISTS livevox_entries (
    session_id TEXT        NOT NULL REFERENCES livevox_sessions (session_id) ON DELETE CASCADE,
    seq        INTEGER     NOT NULL,
    speaker    TEXT        NOT NULL,
    text       TEXT        NOT NULL,
    at         TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (session_id, seq)
);
`

// Migrate creates the history tables if they do not exist. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("postgres history: migrate: %w", err)
	}
	return nil
}

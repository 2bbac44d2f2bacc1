package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kandev/agentrun/internal/common/config"
)

// SQLite wraps a database/sql handle backed by the mattn/go-sqlite3 driver,
// used for embedded/dev deployments where a Postgres cluster is overkill.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (and pings) a SQLite database at cfg.Path. ":memory:" is
// accepted.
func NewSQLite(ctx context.Context, cfg config.DatabaseConfig) (*SQLite, error) {
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}

	handle, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// SQLite permits a single writer; cap the pool accordingly so
	// concurrent run writes serialize instead of hitting SQLITE_BUSY.
	handle.SetMaxOpenConns(1)

	if err := handle.PingContext(ctx); err != nil {
		handle.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	return &SQLite{db: handle}, nil
}

// DB returns the underlying *sql.DB.
func (s *SQLite) DB() *sql.DB { return s.db }

// Close closes the database handle.
func (s *SQLite) Close() error { return s.db.Close() }

// Migrate applies the session/approval schema if it does not already
// exist. Idempotent: safe to call on every startup.
func (s *SQLite) Migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id   TEXT PRIMARY KEY,
	user_id      TEXT,
	session_type TEXT NOT NULL,
	data         TEXT NOT NULL,
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS approvals (
	approval_id   TEXT PRIMARY KEY,
	run_id        TEXT NOT NULL,
	session_id    TEXT NOT NULL,
	agent_id      TEXT NOT NULL,
	user_id       TEXT,
	status        TEXT NOT NULL,
	pause_type    TEXT,
	approval_type TEXT,
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_approvals_run_id ON approvals(run_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_approvals_run_pending
	ON approvals(run_id) WHERE status = 'pending';
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate sqlite schema: %w", err)
	}
	return nil
}

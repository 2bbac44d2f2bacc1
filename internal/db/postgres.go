// Package db provides the durable storage pools backing the Session Store
// and Approval Record Writer adapters: a Postgres pool for production and a
// SQLite pool (via database/sql) for embedded/dev use.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kandev/agentrun/internal/common/config"
)

// Postgres wraps a pgxpool.Pool and provides helper methods for database
// operations used by the session/approval adapters.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a new connection pool from cfg, verifying the
// connection with a ping before returning.
func NewPostgres(ctx context.Context, cfg config.DatabaseConfig) (*Postgres, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.ConnConfig.ConnectTimeout = 10 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

// Pool returns the underlying pgxpool.Pool.
func (db *Postgres) Pool() *pgxpool.Pool { return db.pool }

// Close closes the connection pool.
func (db *Postgres) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

// Ping verifies the database connection is still alive.
func (db *Postgres) Ping(ctx context.Context) error { return db.pool.Ping(ctx) }

// Exec executes a query that doesn't return rows.
func (db *Postgres) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return db.pool.Exec(ctx, sql, args...)
}

// Query executes a query that returns rows.
func (db *Postgres) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return db.pool.Query(ctx, sql, args...)
}

// QueryRow executes a query that returns at most one row.
func (db *Postgres) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return db.pool.QueryRow(ctx, sql, args...)
}

// WithTx executes fn within a transaction, rolling back on error or panic
// and committing otherwise.
func (db *Postgres) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("tx failed: %w, rollback failed: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Migrate applies the session/approval schema if it does not already
// exist, the Postgres counterpart of SQLite.Migrate: JSONB instead of
// TEXT for the session payload, a partial unique index enforcing "at most
// one pending approval per run" at the database layer.
func (db *Postgres) Migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id   TEXT PRIMARY KEY,
	user_id      TEXT,
	session_type TEXT NOT NULL,
	data         JSONB NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
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
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_approvals_run_id ON approvals(run_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_approvals_run_pending
	ON approvals(run_id) WHERE status = 'pending';
`
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate postgres schema: %w", err)
	}
	return nil
}

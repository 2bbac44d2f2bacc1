package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kandev/agentrun/internal/common/apperrors"
	"github.com/kandev/agentrun/internal/run/types"
)

// pgExecutor is the subset of internal/db.Postgres used here.
type pgExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresWriter implements Writer against a Postgres approvals table with
// a partial unique index on (run_id) WHERE status = 'pending', mirroring
// the SQLite adapter's schema and its "conflict surfaces as Conflict"
// handling.
type PostgresWriter struct {
	db pgExecutor
}

// NewPostgresWriter wraps a Postgres executor. Callers must have already
// created the schema (see internal/db.Postgres.Migrate).
func NewPostgresWriter(db pgExecutor) *PostgresWriter {
	return &PostgresWriter{db: db}
}

func (w *PostgresWriter) CreateFromPause(ctx context.Context, run *types.RunRecord, agentID, agentName, userID string) (*types.ApprovalRecord, error) {
	pauseType, approvalType := pauseDetails(run)
	now := time.Now().UTC()
	rec := &types.ApprovalRecord{
		ApprovalID:   uuid.NewString(),
		RunID:        run.RunID,
		SessionID:    run.SessionID,
		AgentID:      agentID,
		UserID:       userID,
		Status:       types.ApprovalStatusPending,
		PauseType:    pauseType,
		ApprovalType: approvalType,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err := w.db.Exec(ctx, `
		INSERT INTO approvals (approval_id, run_id, session_id, agent_id, user_id, status, pause_type, approval_type, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, rec.ApprovalID, rec.RunID, rec.SessionID, rec.AgentID, rec.UserID, string(rec.Status), rec.PauseType, rec.ApprovalType, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return nil, apperrors.Conflict(fmt.Sprintf("approval insert failed for run %s (likely a pending approval already exists): %v", run.RunID, err))
	}
	return rec, nil
}

func (w *PostgresWriter) Resolve(ctx context.Context, approvalID string, status types.ApprovalStatus) (*types.ApprovalRecord, error) {
	now := time.Now().UTC()
	tag, err := w.db.Exec(ctx, `UPDATE approvals SET status = $1, updated_at = $2 WHERE approval_id = $3`,
		string(status), now, approvalID)
	if err != nil {
		return nil, fmt.Errorf("approval: resolve %s: %w", approvalID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, apperrors.NotFound("approval", approvalID)
	}
	return w.get(ctx, approvalID)
}

func (w *PostgresWriter) GetPendingForRun(ctx context.Context, runID string) (*types.ApprovalRecord, error) {
	row := w.db.QueryRow(ctx, `
		SELECT approval_id, run_id, session_id, agent_id, user_id, status, pause_type, approval_type, created_at, updated_at
		FROM approvals WHERE run_id = $1 AND status = 'pending'
	`, runID)
	return scanApprovalPG(row, runID)
}

func (w *PostgresWriter) get(ctx context.Context, approvalID string) (*types.ApprovalRecord, error) {
	row := w.db.QueryRow(ctx, `
		SELECT approval_id, run_id, session_id, agent_id, user_id, status, pause_type, approval_type, created_at, updated_at
		FROM approvals WHERE approval_id = $1
	`, approvalID)
	return scanApprovalPG(row, approvalID)
}

func scanApprovalPG(row pgx.Row, lookupKey string) (*types.ApprovalRecord, error) {
	var (
		rec    types.ApprovalRecord
		userID *string
		status string
	)
	err := row.Scan(&rec.ApprovalID, &rec.RunID, &rec.SessionID, &rec.AgentID, &userID, &status,
		&rec.PauseType, &rec.ApprovalType, &rec.CreatedAt, &rec.UpdatedAt)
	switch {
	case err == pgx.ErrNoRows:
		return nil, apperrors.NotFound("approval", lookupKey)
	case err != nil:
		return nil, fmt.Errorf("approval: scan %s: %w", lookupKey, err)
	}
	if userID != nil {
		rec.UserID = *userID
	}
	rec.Status = types.ApprovalStatus(status)
	return &rec, nil
}

package approval

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kandev/agentrun/internal/common/apperrors"
	"github.com/kandev/agentrun/internal/run/types"
)

// SQLiteWriter implements Writer against the approvals table created by
// internal/db.SQLite.Migrate, relying on its partial unique index
// (run_id WHERE status = 'pending') to enforce the at-most-one-pending
// invariant at the database layer rather than re-checking in Go.
type SQLiteWriter struct {
	db *sql.DB
}

// NewSQLiteWriter wraps db. Callers must have already run migrations.
func NewSQLiteWriter(db *sql.DB) *SQLiteWriter {
	return &SQLiteWriter{db: db}
}

func (w *SQLiteWriter) CreateFromPause(ctx context.Context, run *types.RunRecord, agentID, agentName, userID string) (*types.ApprovalRecord, error) {
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

	_, err := w.db.ExecContext(ctx, `
		INSERT INTO approvals (approval_id, run_id, session_id, agent_id, user_id, status, pause_type, approval_type, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ApprovalID, rec.RunID, rec.SessionID, rec.AgentID, rec.UserID, string(rec.Status), rec.PauseType, rec.ApprovalType, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		// The unique partial index surfaces as a generic constraint-violation
		// error from the sqlite3 driver; there is no portable sentinel to
		// match on, so any insert failure here is reported as a conflict,
		// matching the "at most one pending approval per run_id" invariant.
		return nil, apperrors.Conflict(fmt.Sprintf("approval insert failed for run %s (likely a pending approval already exists): %v", run.RunID, err))
	}
	return rec, nil
}

func (w *SQLiteWriter) Resolve(ctx context.Context, approvalID string, status types.ApprovalStatus) (*types.ApprovalRecord, error) {
	now := time.Now().UTC()
	res, err := w.db.ExecContext(ctx, `UPDATE approvals SET status = ?, updated_at = ? WHERE approval_id = ?`,
		string(status), now, approvalID)
	if err != nil {
		return nil, fmt.Errorf("approval: resolve %s: %w", approvalID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperrors.NotFound("approval", approvalID)
	}
	return w.get(ctx, approvalID)
}

func (w *SQLiteWriter) GetPendingForRun(ctx context.Context, runID string) (*types.ApprovalRecord, error) {
	row := w.db.QueryRowContext(ctx, `
		SELECT approval_id, run_id, session_id, agent_id, user_id, status, pause_type, approval_type, created_at, updated_at
		FROM approvals WHERE run_id = ? AND status = 'pending'
	`, runID)
	return scanApproval(row, runID)
}

func (w *SQLiteWriter) get(ctx context.Context, approvalID string) (*types.ApprovalRecord, error) {
	row := w.db.QueryRowContext(ctx, `
		SELECT approval_id, run_id, session_id, agent_id, user_id, status, pause_type, approval_type, created_at, updated_at
		FROM approvals WHERE approval_id = ?
	`, approvalID)
	return scanApproval(row, approvalID)
}

func scanApproval(row *sql.Row, lookupKey string) (*types.ApprovalRecord, error) {
	var (
		rec      types.ApprovalRecord
		userID   sql.NullString
		status   string
	)
	err := row.Scan(&rec.ApprovalID, &rec.RunID, &rec.SessionID, &rec.AgentID, &userID, &status,
		&rec.PauseType, &rec.ApprovalType, &rec.CreatedAt, &rec.UpdatedAt)
	switch {
	case err == sql.ErrNoRows:
		return nil, apperrors.NotFound("approval", lookupKey)
	case err != nil:
		return nil, fmt.Errorf("approval: scan %s: %w", lookupKey, err)
	}
	rec.UserID = userID.String
	rec.Status = types.ApprovalStatus(status)
	return &rec, nil
}

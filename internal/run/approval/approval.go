// Package approval implements the Approval Record Writer: the durable
// bridge that authorizes resumption of a paused run (spec.md §4, Approval
// Record in §3).
//
// Grounded on the same CRUD-adapter shape as internal/run/session, since
// the teacher has no direct analogue for a human-in-the-loop approval
// table; the uniqueness constraint (at most one pending approval per run)
// mirrors the partial unique index pattern already used for
// internal/db.SQLite.Migrate's approvals table.
package approval

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kandev/agentrun/internal/common/apperrors"
	"github.com/kandev/agentrun/internal/run/types"
)

// Writer is the Approval Record Writer contract (spec.md §6).
type Writer interface {
	// CreateFromPause writes a new pending Approval Record for a run that
	// just paused. Fails with apperrors.Conflict if a pending approval
	// already exists for run.RunID.
	CreateFromPause(ctx context.Context, run *types.RunRecord, agentID, agentName, userID string) (*types.ApprovalRecord, error)

	// Resolve transitions a pending approval to approved/rejected.
	Resolve(ctx context.Context, approvalID string, status types.ApprovalStatus) (*types.ApprovalRecord, error)

	// GetPendingForRun returns the pending approval for runID, if any.
	GetPendingForRun(ctx context.Context, runID string) (*types.ApprovalRecord, error)
}

// MemoryWriter is an in-process Writer, used for tests and single-process
// dev deployments.
type MemoryWriter struct {
	mu      sync.Mutex
	records map[string]*types.ApprovalRecord // approval_id -> record
}

// NewMemoryWriter creates an empty in-memory approval writer.
func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{records: make(map[string]*types.ApprovalRecord)}
}

func (w *MemoryWriter) CreateFromPause(ctx context.Context, run *types.RunRecord, agentID, agentName, userID string) (*types.ApprovalRecord, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, rec := range w.records {
		if rec.RunID == run.RunID && rec.Status == types.ApprovalStatusPending {
			return nil, apperrors.Conflict("a pending approval already exists for run " + run.RunID)
		}
	}

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
	w.records[rec.ApprovalID] = rec
	return cloneRecord(rec), nil
}

func (w *MemoryWriter) Resolve(ctx context.Context, approvalID string, status types.ApprovalStatus) (*types.ApprovalRecord, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	rec, ok := w.records[approvalID]
	if !ok {
		return nil, apperrors.NotFound("approval", approvalID)
	}
	rec.Status = status
	rec.UpdatedAt = time.Now().UTC()
	return cloneRecord(rec), nil
}

func (w *MemoryWriter) GetPendingForRun(ctx context.Context, runID string) (*types.ApprovalRecord, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, rec := range w.records {
		if rec.RunID == runID && rec.Status == types.ApprovalStatusPending {
			return cloneRecord(rec), nil
		}
	}
	return nil, apperrors.NotFound("pending approval for run", runID)
}

// pauseDetails derives the pause_type/approval_type fields from the first
// paused tool record on run, since spec.md does not prescribe their exact
// source but requires them populated.
func pauseDetails(run *types.RunRecord) (pauseType, approvalType string) {
	for _, t := range run.Tools {
		if t.IsPaused {
			return "tool_confirmation", t.ToolName
		}
	}
	return "tool_confirmation", ""
}

func cloneRecord(r *types.ApprovalRecord) *types.ApprovalRecord {
	c := *r
	return &c
}

package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kandev/agentrun/internal/common/apperrors"
	"github.com/kandev/agentrun/internal/run/types"
)

// sessionRow is the JSON envelope stored in the sessions.data column; it
// mirrors SessionRecord minus the columns already broken out (session_id,
// user_id, session_type, created_at, updated_at).
type sessionRow struct {
	Runs        []types.RunRecord `json:"runs"`
	SessionData map[string]any    `json:"session_data,omitempty"`
	Summary     string            `json:"summary,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
}

// SQLiteStore implements Store against a database/sql handle (SQLite or,
// via the same driver-agnostic queries, any database/sql driver that
// supports simple parameterized INSERT/SELECT).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps db. Callers must have already run migrations
// (see internal/db.SQLite.Migrate).
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) ReadOrCreate(ctx context.Context, sessionID, userID string) (*types.SessionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, session_type, data, created_at, updated_at FROM sessions WHERE session_id = ?`,
		sessionID)

	var (
		dbUserID    sql.NullString
		sessionType string
		data        string
		createdAt   time.Time
		updatedAt   time.Time
	)
	err := row.Scan(&dbUserID, &sessionType, &data, &createdAt, &updatedAt)
	switch {
	case err == sql.ErrNoRows:
		return s.create(ctx, sessionID, userID)
	case err != nil:
		return nil, fmt.Errorf("session: read %s: %w", sessionID, err)
	}

	var payload sessionRow
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return nil, fmt.Errorf("session: decode %s: %w", sessionID, err)
	}

	return &types.SessionRecord{
		SessionID:   sessionID,
		UserID:      dbUserID.String,
		SessionType: types.SessionType(sessionType),
		Runs:        payload.Runs,
		SessionData: payload.SessionData,
		Summary:     payload.Summary,
		Metadata:    payload.Metadata,
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
	}, nil
}

func (s *SQLiteStore) create(ctx context.Context, sessionID, userID string) (*types.SessionRecord, error) {
	now := time.Now().UTC()
	session := &types.SessionRecord{
		SessionID:   sessionID,
		UserID:      userID,
		SessionType: types.SessionTypeAgent,
		SessionData: make(map[string]any),
		Metadata:    make(map[string]any),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.Upsert(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, session *types.SessionRecord) error {
	session.UpdatedAt = time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = session.UpdatedAt
	}

	payload := sessionRow{
		Runs:        session.Runs,
		SessionData: session.SessionData,
		Summary:     session.Summary,
		Metadata:    session.Metadata,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("session: encode %s: %w", session.SessionID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, user_id, session_type, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			user_id = excluded.user_id,
			session_type = excluded.session_type,
			data = excluded.data,
			updated_at = excluded.updated_at
	`, session.SessionID, session.UserID, string(session.SessionType), string(data), session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("session: upsert %s: %w", session.SessionID, err)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, sessionID, runID string) (*types.RunRecord, error) {
	session, err := s.ReadOrCreate(ctx, sessionID, "")
	if err != nil {
		return nil, err
	}
	for i := range session.Runs {
		if session.Runs[i].RunID == runID {
			run := session.Runs[i]
			return &run, nil
		}
	}
	return nil, apperrors.NotFound("run", runID)
}

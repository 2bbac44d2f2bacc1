package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kandev/agentrun/internal/common/apperrors"
	"github.com/kandev/agentrun/internal/run/types"
)

// pgExecutor is the subset of internal/db.Postgres used here, kept narrow
// so this file can be unit-tested against any pgx-compatible executor.
type pgExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store against a Postgres table with the same
// (session_id, user_id, session_type, data jsonb, created_at, updated_at)
// shape as the SQLite adapter's table, using $N placeholders and ::jsonb
// casts written directly in its queries.
type PostgresStore struct {
	db pgExecutor
}

// NewPostgresStore wraps a Postgres executor. Callers must have already
// created the schema (see internal/db.Postgres.Migrate: CREATE TABLE
// sessions (... data JSONB ...)).
func NewPostgresStore(db pgExecutor) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) ReadOrCreate(ctx context.Context, sessionID, userID string) (*types.SessionRecord, error) {
	row := s.db.QueryRow(ctx,
		`SELECT user_id, session_type, data, created_at, updated_at FROM sessions WHERE session_id = $1`,
		sessionID)

	var (
		dbUserID    *string
		sessionType string
		data        []byte
		createdAt   time.Time
		updatedAt   time.Time
	)
	err := row.Scan(&dbUserID, &sessionType, &data, &createdAt, &updatedAt)
	switch {
	case err == pgx.ErrNoRows:
		return s.create(ctx, sessionID, userID)
	case err != nil:
		return nil, fmt.Errorf("session: read %s: %w", sessionID, err)
	}

	var payload sessionRow
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("session: decode %s: %w", sessionID, err)
	}

	u := ""
	if dbUserID != nil {
		u = *dbUserID
	}

	return &types.SessionRecord{
		SessionID:   sessionID,
		UserID:      u,
		SessionType: types.SessionType(sessionType),
		Runs:        payload.Runs,
		SessionData: payload.SessionData,
		Summary:     payload.Summary,
		Metadata:    payload.Metadata,
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
	}, nil
}

func (s *PostgresStore) create(ctx context.Context, sessionID, userID string) (*types.SessionRecord, error) {
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

func (s *PostgresStore) Upsert(ctx context.Context, session *types.SessionRecord) error {
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

	_, err = s.db.Exec(ctx, `
		INSERT INTO sessions (session_id, user_id, session_type, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6)
		ON CONFLICT (session_id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			session_type = EXCLUDED.session_type,
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at
	`, session.SessionID, session.UserID, string(session.SessionType), string(data), session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("session: upsert %s: %w", session.SessionID, err)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, sessionID, runID string) (*types.RunRecord, error) {
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

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kiroku-ai/kiroku/internal/model"
)

// InsertSession archives a new session row.
func (db *DB) InsertSession(ctx context.Context, s model.Session) error {
	metadata := s.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO sessions (id, user_id, started_at, ended_at, metadata)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		s.ID, s.UserID, s.StartedAt, s.EndedAt, metadata,
	)
	if err != nil {
		return fmt.Errorf("storage: insert session: %w", err)
	}
	return nil
}

// UpdateSessionEnd stamps a session's end time. Ending an already-ended or
// unknown session is a no-op.
func (db *DB) UpdateSessionEnd(ctx context.Context, id uuid.UUID, endedAt time.Time) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE sessions SET ended_at = $2 WHERE id = $1 AND ended_at IS NULL`,
		id, endedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: update session end: %w", err)
	}
	return nil
}

// GetSession retrieves one archived session without its events.
// Returns ErrNotFound if the session does not exist.
func (db *DB) GetSession(ctx context.Context, id uuid.UUID) (model.Session, error) {
	var s model.Session
	err := db.pool.QueryRow(ctx,
		`SELECT id, user_id, started_at, ended_at, metadata FROM sessions WHERE id = $1`,
		id,
	).Scan(&s.ID, &s.UserID, &s.StartedAt, &s.EndedAt, &s.Metadata)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Session{}, ErrNotFound
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("storage: get session: %w", err)
	}
	return s, nil
}

// ListSessions returns archived sessions newest first, capped at limit
// (default 100).
func (db *DB) ListSessions(ctx context.Context, limit int) ([]model.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, user_id, started_at, ended_at, metadata
		 FROM sessions ORDER BY started_at DESC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		var s model.Session
		if err := rows.Scan(&s.ID, &s.UserID, &s.StartedAt, &s.EndedAt, &s.Metadata); err != nil {
			return nil, fmt.Errorf("storage: scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// LoadSessionsSince returns sessions started at or after the cutoff, oldest
// first. Used to rehydrate the in-memory registry on startup.
func (db *DB) LoadSessionsSince(ctx context.Context, cutoff time.Time, limit int) ([]model.Session, error) {
	if limit <= 0 {
		limit = 100000
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, user_id, started_at, ended_at, metadata
		 FROM sessions WHERE started_at >= $1
		 ORDER BY started_at ASC LIMIT $2`, cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: load sessions since: %w", err)
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		var s model.Session
		if err := rows.Scan(&s.ID, &s.UserID, &s.StartedAt, &s.EndedAt, &s.Metadata); err != nil {
			return nil, fmt.Errorf("storage: scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// CountSessions returns the total number of archived sessions.
func (db *DB) CountSessions(ctx context.Context) (int64, error) {
	var n int64
	if err := db.pool.QueryRow(ctx, `SELECT count(*) FROM sessions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count sessions: %w", err)
	}
	return n, nil
}

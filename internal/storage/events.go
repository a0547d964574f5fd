package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kiroku-ai/kiroku/internal/model"
)

// eventColumns is the column order used by every telemetry_events read and write.
var eventColumns = []string{"id", "session_id", "agent_id", "user_id", "kind", "occurred_at", "recorded_at", "payload"}

// eventRow converts an event to the COPY/INSERT row representation.
// The payload is encoded to JSON text so pgx maps it to jsonb rather than bytea.
func eventRow(e model.Event) ([]any, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("storage: encode %s payload: %w", e.Kind, err)
	}
	return []any{
		e.ID,
		e.SessionID,
		e.AgentID,
		e.UserID,
		string(e.Kind),
		e.OccurredAt,
		e.RecordedAt,
		string(payload),
	}, nil
}

// InsertEvents archives events using the COPY protocol for high throughput.
func (db *DB) InsertEvents(ctx context.Context, events []model.Event) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}

	rows := make([][]any, len(events))
	for i, e := range events {
		row, err := eventRow(e)
		if err != nil {
			return 0, err
		}
		rows[i] = row
	}

	// Dedicated 30s COPY timeout prevents a hung Postgres from blocking the
	// ingest buffer flush indefinitely.
	copyCtx, copyCancel := context.WithTimeout(ctx, 30*time.Second)
	copyCount, err := db.pool.CopyFrom(
		copyCtx,
		pgx.Identifier{"telemetry_events"},
		eventColumns,
		pgx.CopyFromRows(rows),
	)
	copyCancel()
	if err != nil {
		return 0, fmt.Errorf("storage: copy events: %w", err)
	}
	return copyCount, nil
}

// InsertEventsIdempotent archives events with duplicate safety via ON CONFLICT
// DO NOTHING. Used during spool recovery when events may have reached Postgres
// before the spool checkpoint was written. Slower than a plain COPY but runs
// only once per startup.
func (db *DB) InsertEventsIdempotent(ctx context.Context, events []model.Event) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}

	rows := make([][]any, len(events))
	for i, e := range events {
		row, err := eventRow(e)
		if err != nil {
			return 0, err
		}
		rows[i] = row
	}

	// The ON CONFLICT insert can deadlock against the buffer's concurrent
	// COPY flushes; the whole transaction is safe to rerun.
	var inserted int64
	err := WithRetry(ctx, retryAttempts, retryBaseDelay, func() error {
		var txErr error
		inserted, txErr = db.insertEventRowsIdempotent(ctx, rows)
		return txErr
	})
	return inserted, err
}

func (db *DB) insertEventRowsIdempotent(ctx context.Context, rows [][]any) (int64, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("storage: begin idempotent insert tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`CREATE TEMP TABLE _recovery_events (LIKE telemetry_events INCLUDING DEFAULTS) ON COMMIT DROP`,
	); err != nil {
		return 0, fmt.Errorf("storage: create recovery temp table: %w", err)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"_recovery_events"}, eventColumns, pgx.CopyFromRows(rows)); err != nil {
		return 0, fmt.Errorf("storage: copy into recovery temp table: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO telemetry_events SELECT * FROM _recovery_events ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("storage: insert from recovery temp table: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("storage: commit idempotent insert: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetEventsBySession retrieves archived events for one session in recording
// order. The limit caps the rows returned; if limit <= 0 it defaults to 10000.
// Callers should treat a full slice as possibly truncated.
func (db *DB) GetEventsBySession(ctx context.Context, sessionID uuid.UUID, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 10000
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, session_id, agent_id, user_id, kind, occurred_at, recorded_at, payload
		 FROM telemetry_events WHERE session_id = $1
		 ORDER BY recorded_at ASC, id ASC
		 LIMIT $2`, sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get events by session: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// LoadEventsSince returns archived events recorded at or after the cutoff,
// oldest first. Used to rehydrate the in-memory log on startup.
func (db *DB) LoadEventsSince(ctx context.Context, cutoff time.Time, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 100000
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, session_id, agent_id, user_id, kind, occurred_at, recorded_at, payload
		 FROM telemetry_events WHERE recorded_at >= $1
		 ORDER BY recorded_at ASC, id ASC
		 LIMIT $2`, cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: load events since: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// CountEvents returns the total number of archived events.
func (db *DB) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	if err := db.pool.QueryRow(ctx, `SELECT count(*) FROM telemetry_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count events: %w", err)
	}
	return n, nil
}

func scanEvents(rows pgx.Rows) ([]model.Event, error) {
	var events []model.Event
	for rows.Next() {
		var (
			e       model.Event
			kind    string
			payload []byte
		)
		if err := rows.Scan(
			&e.ID, &e.SessionID, &e.AgentID, &e.UserID, &kind,
			&e.OccurredAt, &e.RecordedAt, &payload,
		); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		e.Kind = model.EventKind(kind)
		p, err := model.DecodePayload(e.Kind, payload)
		if err != nil {
			return nil, fmt.Errorf("storage: decode event %s: %w", e.ID, err)
		}
		e.Payload = p
		events = append(events, e)
	}
	return events, rows.Err()
}

package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kiroku-ai/kiroku/internal/model"
)

// ExportEventsPage returns one keyset page of archived events ordered by
// (recorded_at, id). Pass the last row's recorded_at and id as the cursor for
// the next page; zero values start from the beginning. An empty result means
// the export is complete.
func (db *DB) ExportEventsPage(ctx context.Context, afterTime time.Time, afterID uuid.UUID, limit int) ([]model.Event, error) {
	if limit <= 0 || limit > 10000 {
		limit = 1000
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, session_id, agent_id, user_id, kind, occurred_at, recorded_at, payload
		 FROM telemetry_events
		 WHERE (recorded_at, id) > ($1, $2)
		 ORDER BY recorded_at ASC, id ASC
		 LIMIT $3`, afterTime, afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: export events page: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// PurgeCount holds row counts for a purge operation (real or dry-run).
type PurgeCount struct {
	Events   int64 `json:"events"`
	Sessions int64 `json:"sessions"`
}

// purgeBatchSize bounds single DELETE statements so a large purge does not
// hold long row locks or bloat one transaction.
const purgeBatchSize = 10000

// CountEligible reports how many events and sessions would be removed by
// PurgeBefore without deleting anything. Eligibility matches the in-memory
// log: events recorded strictly before the cutoff, sessions started strictly
// before it regardless of whether they have ended.
func (db *DB) CountEligible(ctx context.Context, cutoff time.Time) (PurgeCount, error) {
	var c PurgeCount
	if err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM telemetry_events WHERE recorded_at < $1`, cutoff,
	).Scan(&c.Events); err != nil {
		return c, fmt.Errorf("storage: count eligible events: %w", err)
	}
	if err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM sessions WHERE started_at < $1`, cutoff,
	).Scan(&c.Sessions); err != nil {
		return c, fmt.Errorf("storage: count eligible sessions: %w", err)
	}
	return c, nil
}

// PurgeBefore deletes archived events recorded strictly before the cutoff and
// sessions that started strictly before it, still-open sessions included, so
// the archive and the in-memory log purge the same rows. Events exactly at
// the cutoff are retained. Deletion proceeds in batches until no eligible
// rows remain.
func (db *DB) PurgeBefore(ctx context.Context, cutoff time.Time) (PurgeCount, error) {
	var c PurgeCount

	for {
		var tag pgconn.CommandTag
		// Batch deletes can deadlock against concurrent COPY inserts; retry
		// transient conflicts instead of aborting the whole purge.
		err := WithRetry(ctx, retryAttempts, retryBaseDelay, func() error {
			var execErr error
			tag, execErr = db.pool.Exec(ctx,
				`DELETE FROM telemetry_events WHERE id IN (
				   SELECT id FROM telemetry_events WHERE recorded_at < $1 LIMIT $2
				 )`, cutoff, purgeBatchSize,
			)
			return execErr
		})
		if err != nil {
			return c, fmt.Errorf("storage: purge events: %w", err)
		}
		c.Events += tag.RowsAffected()
		if tag.RowsAffected() < purgeBatchSize {
			break
		}
	}

	for {
		var tag pgconn.CommandTag
		err := WithRetry(ctx, retryAttempts, retryBaseDelay, func() error {
			var execErr error
			tag, execErr = db.pool.Exec(ctx,
				`DELETE FROM sessions WHERE id IN (
				   SELECT id FROM sessions WHERE started_at < $1 LIMIT $2
				 )`, cutoff, purgeBatchSize,
			)
			return execErr
		})
		if err != nil {
			return c, fmt.Errorf("storage: purge sessions: %w", err)
		}
		c.Sessions += tag.RowsAffected()
		if tag.RowsAffected() < purgeBatchSize {
			break
		}
	}

	return c, nil
}

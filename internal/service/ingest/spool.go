package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/kiroku-ai/kiroku/internal/model"
)

// Spool is a crash-durable staging area for acknowledged events that have not
// yet reached Postgres. Events are appended before the HTTP response is sent
// and checkpointed (deleted) after the archive flush succeeds. On startup,
// Recover returns any leftovers for idempotent re-insertion.
//
// Backed by a local SQLite file in WAL mode, so appends are a single fsynced
// transaction without a server round trip.
type Spool struct {
	db *sql.DB
}

// OpenSpool opens (and initializes) the spool database at path.
func OpenSpool(path string) (*Spool, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ingest: open spool: %w", err)
	}
	// One writer at a time keeps modernc's file locking happy.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA synchronous = NORMAL`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("ingest: spool pragma: %w", err)
		}
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS spool (
			id          TEXT PRIMARY KEY,
			data        TEXT NOT NULL,
			enqueued_at INTEGER NOT NULL DEFAULT (unixepoch())
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("ingest: create spool table: %w", err)
	}

	return &Spool{db: db}, nil
}

// Append durably stages events. Returns only after the transaction commits.
func (s *Spool) Append(ctx context.Context, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ingest: begin spool tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO spool (id, data) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("ingest: prepare spool insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("ingest: encode spool event: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, e.ID.String(), string(data)); err != nil {
			return fmt.Errorf("ingest: spool insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ingest: commit spool tx: %w", err)
	}
	return nil
}

// Checkpoint removes events that are confirmed archived.
func (s *Spool) Checkpoint(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimRight(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM spool WHERE id IN (`+placeholders+`)`, args...,
	); err != nil {
		return fmt.Errorf("ingest: spool checkpoint: %w", err)
	}
	return nil
}

// Recover returns all staged events in enqueue order. Called once at startup;
// the caller re-inserts them through the idempotent archive path and then
// checkpoints them.
func (s *Spool) Recover(ctx context.Context) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM spool ORDER BY enqueued_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("ingest: spool recover: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("ingest: scan spool row: %w", err)
		}
		var e model.Event
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, fmt.Errorf("ingest: decode spool event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Len returns the number of staged events.
func (s *Spool) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM spool`).Scan(&n); err != nil {
		return 0, fmt.Errorf("ingest: spool len: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (s *Spool) Close() error {
	return s.db.Close()
}

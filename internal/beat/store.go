// internal/beat/store.go
package beat

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Entry is a periodic task definition.
//
// Backing table:
//
//	CREATE TABLE beat_entries (
//	    name             TEXT PRIMARY KEY,
//	    task             TEXT NOT NULL,
//	    queue            TEXT NOT NULL DEFAULT '',
//	    payload          JSONB NOT NULL DEFAULT '{}',
//	    interval_seconds INTEGER NOT NULL,
//	    enabled          BOOLEAN NOT NULL DEFAULT TRUE,
//	    last_run_at      TIMESTAMPTZ
//	)
type Entry struct {
	Name            string          `json:"name"`
	Task            string          `json:"task"`
	Queue           string          `json:"queue"` // empty means route by task name
	Payload         json.RawMessage `json:"payload"`
	IntervalSeconds int             `json:"intervalSeconds"`
	Enabled         bool            `json:"enabled"`
	LastRunAt       *time.Time      `json:"lastRunAt,omitempty"`
}

// Validate checks an entry before it is stored or dispatched.
func (e *Entry) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("entry name is required")
	}
	if e.Task == "" {
		return fmt.Errorf("entry %q has no task", e.Name)
	}
	if e.IntervalSeconds < 1 {
		return fmt.Errorf("entry %q interval must be >= 1s", e.Name)
	}
	return nil
}

// Store persists the periodic-task schedule.
type Store interface {
	DueEntries(ctx context.Context, now time.Time) ([]Entry, error)
	MarkRun(ctx context.Context, name string, runAt time.Time) error
	Upsert(ctx context.Context, entry Entry) error
	Delete(ctx context.Context, name string) error
}

// PostgresStore is the database scheduler's backing store.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// DueEntries returns enabled entries whose interval has elapsed since their
// last run. Never-run entries are always due.
func (s *PostgresStore) DueEntries(ctx context.Context, now time.Time) ([]Entry, error) {
	query := `
		SELECT name, task, queue, payload, interval_seconds, enabled, last_run_at
		FROM beat_entries
		WHERE enabled
		  AND (last_run_at IS NULL OR last_run_at + make_interval(secs => interval_seconds) <= $1)
		ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("query due entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var lastRun sql.NullTime
		if err := rows.Scan(&e.Name, &e.Task, &e.Queue, &e.Payload, &e.IntervalSeconds, &e.Enabled, &lastRun); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		if lastRun.Valid {
			t := lastRun.Time
			e.LastRunAt = &t
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

// MarkRun advances an entry's last_run_at.
func (s *PostgresStore) MarkRun(ctx context.Context, name string, runAt time.Time) error {
	query := `UPDATE beat_entries SET last_run_at = $2 WHERE name = $1`
	res, err := s.db.ExecContext(ctx, query, name, runAt)
	if err != nil {
		return fmt.Errorf("mark run for %s: %w", name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("entry %s not found", name)
	}
	return nil
}

// Upsert creates or replaces an entry.
func (s *PostgresStore) Upsert(ctx context.Context, entry Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	payload := entry.Payload
	if payload == nil {
		payload = json.RawMessage(`{}`)
	}
	query := `
		INSERT INTO beat_entries (name, task, queue, payload, interval_seconds, enabled)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO UPDATE SET
			task = EXCLUDED.task,
			queue = EXCLUDED.queue,
			payload = EXCLUDED.payload,
			interval_seconds = EXCLUDED.interval_seconds,
			enabled = EXCLUDED.enabled`
	if _, err := s.db.ExecContext(ctx, query,
		entry.Name, entry.Task, entry.Queue, []byte(payload), entry.IntervalSeconds, entry.Enabled); err != nil {
		return fmt.Errorf("upsert entry %s: %w", entry.Name, err)
	}
	return nil
}

// Delete removes an entry.
func (s *PostgresStore) Delete(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM beat_entries WHERE name = $1`, name); err != nil {
		return fmt.Errorf("delete entry %s: %w", name, err)
	}
	return nil
}

// Package history holds the local spool for stage transition records that
// could not reach the primary history store.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pesio-ai/be-mfg-workflow/internal/repository"
)

const schema = `
CREATE TABLE IF NOT EXISTS spooled_transitions (
    seq          INTEGER PRIMARY KEY AUTOINCREMENT,
    record_id    TEXT NOT NULL UNIQUE,
    project_id   TEXT NOT NULL,
    payload      TEXT NOT NULL,
    spooled_at   TEXT NOT NULL,
    delivered_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_spooled_transitions_pending
    ON spooled_transitions (delivered_at, seq);
`

const (
	sqliteBusyCode   = 5
	busyRetries      = 5
	busyInitialDelay = 10 * time.Millisecond
)

// Spool is a SQLite-backed outbox of stage transition records.
type Spool struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open creates or opens the spool database at path. ":memory:" is accepted
// for tests.
func Open(path string) (*Spool, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create spool directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open spool db: %w", err)
	}
	// a single connection keeps ":memory:" databases shared and serialises writers
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply spool schema: %w", err)
	}
	return &Spool{db: db, path: path, now: time.Now}, nil
}

// Close closes the database.
func (s *Spool) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database location.
func (s *Spool) Path() string { return s.path }

// Append stores rec unless a record with the same id is already spooled.
func (s *Spool) Append(ctx context.Context, rec *repository.StageTransitionRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("spool: record id is required")
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal transition record: %w", err)
	}
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO spooled_transitions (record_id, project_id, payload, spooled_at)
             VALUES (?, ?, ?, ?)
             ON CONFLICT (record_id) DO NOTHING`,
			rec.ID, rec.ProjectID, string(payload), s.now().UTC().Format(time.RFC3339Nano))
		return err
	})
}

// Pending returns up to limit undelivered records in spool order.
func (s *Spool) Pending(ctx context.Context, limit int) ([]*repository.StageTransitionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM spooled_transitions
         WHERE delivered_at IS NULL
         ORDER BY seq
         LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query spooled transitions: %w", err)
	}
	defer rows.Close()

	var out []*repository.StageTransitionRecord
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan spooled transition: %w", err)
		}
		var rec repository.StageTransitionRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, fmt.Errorf("decode spooled transition: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// MarkDone flags a record as delivered. Unknown ids are ignored.
func (s *Spool) MarkDone(ctx context.Context, recordID string) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE spooled_transitions SET delivered_at = ?
             WHERE record_id = ? AND delivered_at IS NULL`,
			s.now().UTC().Format(time.RFC3339Nano), recordID)
		return err
	})
}

// Purge removes delivered records spooled before cutoff and returns how many
// were deleted.
func (s *Spool) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM spooled_transitions
             WHERE delivered_at IS NOT NULL AND delivered_at < ?`,
			cutoff.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// Stats reports the number of pending and delivered records.
func (s *Spool) Stats(ctx context.Context) (pending, delivered int, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT
            COALESCE(SUM(CASE WHEN delivered_at IS NULL THEN 1 ELSE 0 END), 0),
            COALESCE(SUM(CASE WHEN delivered_at IS NOT NULL THEN 1 ELSE 0 END), 0)
         FROM spooled_transitions`).Scan(&pending, &delivered)
	if err != nil {
		return 0, 0, fmt.Errorf("spool stats: %w", err)
	}
	return pending, delivered, nil
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyInitialDelay
	var err error
	for attempt := range busyRetries {
		if err = op(); err == nil || !isBusy(err) || attempt == busyRetries-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}

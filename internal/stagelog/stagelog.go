// Package stagelog is the append-only record of pipeline stage executions.
// Each stage writes one row per request; operators and tests query it to
// reconstruct what ran.
package stagelog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Row statuses.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

type Entry struct {
	RequestID  string `json:"request_id"`
	Stage      string `json:"stage"`
	Status     string `json:"status"`
	ErrorCode  string `json:"error_code,omitempty"`
	DurationMs int64  `json:"duration_ms"`

	CreatedAtUnixMs int64 `json:"created_at_unix_ms"`
}

type Log struct {
	db *sql.DB
}

func Open(path string) (*Log, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return &Log{db: db}, nil
}

func (l *Log) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Record appends one stage row. Failures are reported but should not fail
// the request; the caller decides.
func (l *Log) Record(ctx context.Context, entry Entry) error {
	if l == nil || l.db == nil {
		return errors.New("stage log not open")
	}
	if strings.TrimSpace(entry.RequestID) == "" {
		return errors.New("missing request_id")
	}
	if strings.TrimSpace(entry.Stage) == "" {
		return errors.New("missing stage")
	}
	created := entry.CreatedAtUnixMs
	if created == 0 {
		created = time.Now().UnixMilli()
	}
	_, err := l.db.ExecContext(ctx, `
INSERT INTO stage_calls (request_id, stage, status, error_code, duration_ms, created_at_unix_ms)
VALUES (?, ?, ?, ?, ?, ?)
`, entry.RequestID, entry.Stage, entry.Status, entry.ErrorCode, entry.DurationMs, created)
	return err
}

// RecordStage is the flat-argument form used by the orchestrator. Errors
// are logged by the caller; a lost row never fails a request.
func (l *Log) RecordStage(ctx context.Context, requestID, stage, status, errorCode string, durationMs int64) error {
	return l.Record(ctx, Entry{
		RequestID:  requestID,
		Stage:      stage,
		Status:     status,
		ErrorCode:  errorCode,
		DurationMs: durationMs,
	})
}

// ForRequest returns the stage rows for one request in execution order.
func (l *Log) ForRequest(ctx context.Context, requestID string) ([]Entry, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("stage log not open")
	}
	rows, err := l.db.QueryContext(ctx, `
SELECT request_id, stage, status, error_code, duration_ms, created_at_unix_ms
FROM stage_calls
WHERE request_id = ?
ORDER BY id ASC
`, strings.TrimSpace(requestID))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.RequestID, &e.Stage, &e.Status, &e.ErrorCode, &e.DurationMs, &e.CreatedAtUnixMs); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}

	const targetVersion = 1
	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS stage_calls (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  request_id TEXT NOT NULL,
  stage TEXT NOT NULL,
  status TEXT NOT NULL,
  error_code TEXT NOT NULL DEFAULT '',
  duration_ms INTEGER NOT NULL DEFAULT 0,
  created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stage_calls_request ON stage_calls(request_id, id);
`); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// Package contextstore is the SQLite-backed per-session memory: summarized
// turns, the user profile, and the last safety state.
package contextstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/carebridge/careline/internal/pipeline"
)

const defaultMaxTurns = 10

// Store persists session context locally.
//
// Writes for the same (user_id, session_id) are serialized through a
// per-key mutex; writes for different keys proceed concurrently. WAL is
// enabled so reads do not block behind an appender.
type Store struct {
	db       *sql.DB
	maxTurns int
	maxAge   time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

type Options struct {
	// MaxTurns is the retained turn count per session. Defaults to 10.
	MaxTurns int

	// MaxTurnAge evicts turns older than this on append. Zero disables
	// age-based eviction.
	MaxTurnAge time.Duration
}

func Open(path string, opts Options) (*Store, error) {
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

	maxTurns := opts.MaxTurns
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}
	return &Store{
		db:       db,
		maxTurns: maxTurns,
		maxAge:   opts.MaxTurnAge,
		locks:    make(map[string]*sync.Mutex),
	}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) keyLock(userID, sessionID string) *sync.Mutex {
	key := userID + "\x00" + sessionID
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// Read returns the current snapshot, or the empty default for an unknown
// session. Turns come back oldest first.
func (s *Store) Read(ctx context.Context, userID, sessionID string) (pipeline.ContextSnapshot, error) {
	if s == nil || s.db == nil {
		return pipeline.ContextSnapshot{}, errors.New("store not open")
	}
	userID = strings.TrimSpace(userID)
	sessionID = strings.TrimSpace(sessionID)
	if userID == "" || sessionID == "" {
		return pipeline.ContextSnapshot{}, errors.New("missing user_id or session_id")
	}

	var snapshot pipeline.ContextSnapshot

	var profileJSON, safetyState string
	err := s.db.QueryRowContext(ctx, `
SELECT profile_json, last_safety_state
FROM sessions
WHERE user_id = ? AND session_id = ?
`, userID, sessionID).Scan(&profileJSON, &safetyState)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return pipeline.ContextSnapshot{}, nil
	case err != nil:
		return pipeline.ContextSnapshot{}, fmt.Errorf("read session: %w", err)
	}
	snapshot.LastSafetyState = safetyState
	if profileJSON != "" {
		if err := json.Unmarshal([]byte(profileJSON), &snapshot.UserProfile); err != nil {
			return pipeline.ContextSnapshot{}, fmt.Errorf("decode profile: %w", err)
		}
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT role, summary, created_at_unix_ms
FROM turns
WHERE user_id = ? AND session_id = ?
ORDER BY id ASC
`, userID, sessionID)
	if err != nil {
		return pipeline.ContextSnapshot{}, fmt.Errorf("read turns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var role, summary string
		var createdMs int64
		if err := rows.Scan(&role, &summary, &createdMs); err != nil {
			return pipeline.ContextSnapshot{}, err
		}
		snapshot.RecentTurns = append(snapshot.RecentTurns, pipeline.Turn{
			Role:        role,
			TextSummary: summary,
			Timestamp:   time.UnixMilli(createdMs),
		})
	}
	return snapshot, rows.Err()
}

// Append stores the summarized turns and the session's new safety state in
// one transaction, evicting the oldest turns beyond the retention limit.
// Last write wins per session.
func (s *Store) Append(ctx context.Context, userID, sessionID string, turns []pipeline.Turn, safetyState string) error {
	if s == nil || s.db == nil {
		return errors.New("store not open")
	}
	userID = strings.TrimSpace(userID)
	sessionID = strings.TrimSpace(sessionID)
	if userID == "" || sessionID == "" {
		return errors.New("missing user_id or session_id")
	}
	if len(turns) == 0 {
		return nil
	}

	lock := s.keyLock(userID, sessionID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO sessions (user_id, session_id, profile_json, last_safety_state, updated_at_unix_ms)
VALUES (?, ?, '', ?, ?)
ON CONFLICT(user_id, session_id) DO UPDATE SET
  last_safety_state = excluded.last_safety_state,
  updated_at_unix_ms = excluded.updated_at_unix_ms
`, userID, sessionID, safetyState, now); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	for _, turn := range turns {
		ts := turn.Timestamp
		if ts.IsZero() {
			ts = time.UnixMilli(now)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO turns (user_id, session_id, role, summary, created_at_unix_ms)
VALUES (?, ?, ?, ?, ?)
`, userID, sessionID, turn.Role, turn.TextSummary, ts.UnixMilli()); err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
DELETE FROM turns
WHERE user_id = ? AND session_id = ? AND id NOT IN (
  SELECT id FROM turns
  WHERE user_id = ? AND session_id = ?
  ORDER BY id DESC
  LIMIT ?
)
`, userID, sessionID, userID, sessionID, s.maxTurns); err != nil {
		return fmt.Errorf("evict turns: %w", err)
	}

	if s.maxAge > 0 {
		cutoff := now - s.maxAge.Milliseconds()
		if _, err := tx.ExecContext(ctx, `
DELETE FROM turns
WHERE user_id = ? AND session_id = ? AND created_at_unix_ms < ?
`, userID, sessionID, cutoff); err != nil {
			return fmt.Errorf("evict aged turns: %w", err)
		}
	}

	return tx.Commit()
}

// SetProfile replaces the session's user profile.
func (s *Store) SetProfile(ctx context.Context, userID, sessionID string, profile map[string]string) error {
	if s == nil || s.db == nil {
		return errors.New("store not open")
	}
	userID = strings.TrimSpace(userID)
	sessionID = strings.TrimSpace(sessionID)
	if userID == "" || sessionID == "" {
		return errors.New("missing user_id or session_id")
	}

	var profileJSON []byte
	if len(profile) > 0 {
		var err error
		profileJSON, err = json.Marshal(profile)
		if err != nil {
			return err
		}
	}

	lock := s.keyLock(userID, sessionID)
	lock.Lock()
	defer lock.Unlock()

	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions (user_id, session_id, profile_json, last_safety_state, updated_at_unix_ms)
VALUES (?, ?, ?, '', ?)
ON CONFLICT(user_id, session_id) DO UPDATE SET
  profile_json = excluded.profile_json,
  updated_at_unix_ms = excluded.updated_at_unix_ms
`, userID, sessionID, string(profileJSON), time.Now().UnixMilli())
	return err
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
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
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
CREATE TABLE IF NOT EXISTS sessions (
  user_id TEXT NOT NULL,
  session_id TEXT NOT NULL,
  profile_json TEXT NOT NULL DEFAULT '',
  last_safety_state TEXT NOT NULL DEFAULT '',
  updated_at_unix_ms INTEGER NOT NULL,
  PRIMARY KEY (user_id, session_id)
);
CREATE TABLE IF NOT EXISTS turns (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  user_id TEXT NOT NULL,
  session_id TEXT NOT NULL,
  role TEXT NOT NULL,
  summary TEXT NOT NULL,
  created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(user_id, session_id, id);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// Package cache persists the daemon's session list and output snapshots in a
// per-profile SQLite database so a restarted console can paint the last known
// output immediately while the fresh fetch reconciles in the background.
package cache

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stravu/crystal-sub005/internal/protocol"
)

// SchemaVersion tracks the current database schema version.
// Bump this when adding migrations.
const SchemaVersion = 1

// Snapshot kinds stored in the snapshots table.
const (
	SnapshotOutput   = "output"
	SnapshotTerminal = "terminal"
)

// ErrNoSnapshot is returned by LoadSnapshot when no cached output exists for
// the session.
var ErrNoSnapshot = errors.New("cache: no snapshot")

// Cache wraps a SQLite database holding the session list and output snapshots.
// Thread-safe for concurrent use from multiple goroutines within one process.
// Multiple console processes can safely read/write via WAL mode + busy timeout.
type Cache struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at dbPath with WAL mode and busy timeout.
func Open(dbPath string) (*Cache, error) {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("cache: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("cache: open: %w", err)
	}

	// WAL mode: allows concurrent readers while writing
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: wal mode: %w", err)
	}

	// Busy timeout: wait up to 5s if another process holds a lock
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: busy timeout: %w", err)
	}

	// Foreign keys (for future use)
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: foreign keys: %w", err)
	}

	return &Cache{db: db}, nil
}

// Close checkpoints WAL and closes the database.
func (c *Cache) Close() error {
	// Checkpoint WAL to merge it back into the main database file
	_, _ = c.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return c.db.Close()
}

// DB returns the underlying sql.DB for advanced use cases (e.g., testing).
func (c *Cache) DB() *sql.DB {
	return c.db
}

// Migrate creates tables if they don't exist and runs any pending migrations.
func (c *Cache) Migrate() error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("cache: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// meta table
	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("cache: create meta: %w", err)
	}

	// sessions table: mirror of the daemon's session list
	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id            TEXT PRIMARY KEY,
			title         TEXT NOT NULL,
			status        TEXT NOT NULL DEFAULT 'stopped',
			chunk_count   INTEGER NOT NULL DEFAULT 0,
			message_count INTEGER NOT NULL DEFAULT 0,
			created_at    INTEGER NOT NULL DEFAULT 0,
			updated_at    INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		return fmt.Errorf("cache: create sessions: %w", err)
	}

	// snapshots table: one row per session per buffer kind
	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS snapshots (
			session_id  TEXT NOT NULL,
			kind        TEXT NOT NULL,
			content     TEXT NOT NULL DEFAULT '[]',
			chunk_count INTEGER NOT NULL DEFAULT 0,
			captured_at INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (session_id, kind)
		)
	`); err != nil {
		return fmt.Errorf("cache: create snapshots: %w", err)
	}

	// Set schema version
	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO meta (key, value) VALUES ('schema_version', ?)
	`, fmt.Sprintf("%d", SchemaVersion)); err != nil {
		return fmt.Errorf("cache: set schema version: %w", err)
	}

	return tx.Commit()
}

// --- Session list ---

// UpsertSessions replaces the cached session list in a single transaction.
// Rows for sessions not in the provided list are removed, along with their
// snapshots, so sessions deleted on the daemon don't reappear on restart.
func (c *Cache) UpsertSessions(sessions []protocol.Session) error {
	tx, err := c.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if len(sessions) == 0 {
		if _, err := tx.Exec("DELETE FROM sessions"); err != nil {
			return err
		}
		if _, err := tx.Exec("DELETE FROM snapshots"); err != nil {
			return err
		}
	} else {
		placeholders := make([]string, len(sessions))
		args := make([]any, len(sessions))
		for i, s := range sessions {
			placeholders[i] = "?"
			args[i] = s.ID
		}
		in := strings.Join(placeholders, ",")
		if _, err := tx.Exec("DELETE FROM sessions WHERE id NOT IN ("+in+")", args...); err != nil {
			return err
		}
		if _, err := tx.Exec("DELETE FROM snapshots WHERE session_id NOT IN ("+in+")", args...); err != nil {
			return err
		}
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO sessions (
			id, title, status, chunk_count, message_count, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, s := range sessions {
		if _, err := stmt.Exec(
			s.ID, s.Title, string(s.Status), s.ChunkCount, s.MessageCount,
			s.CreatedAt.Unix(), s.UpdatedAt.Unix(),
		); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	// Touch metadata for change detection by other instances
	_ = c.Touch()
	return nil
}

// ListSessions returns the cached session list, most recently updated first.
func (c *Cache) ListSessions() ([]protocol.Session, error) {
	rows, err := c.db.Query(`
		SELECT id, title, status, chunk_count, message_count, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []protocol.Session
	for rows.Next() {
		var s protocol.Session
		var status string
		var createdUnix, updatedUnix int64
		if err := rows.Scan(
			&s.ID, &s.Title, &status, &s.ChunkCount, &s.MessageCount,
			&createdUnix, &updatedUnix,
		); err != nil {
			return nil, err
		}
		s.Status = protocol.Status(status)
		if createdUnix > 0 {
			s.CreatedAt = time.Unix(createdUnix, 0)
		}
		if updatedUnix > 0 {
			s.UpdatedAt = time.Unix(updatedUnix, 0)
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

// DeleteSession removes a session and its snapshots.
func (c *Cache) DeleteSession(id string) error {
	tx, err := c.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec("DELETE FROM sessions WHERE id = ?", id); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM snapshots WHERE session_id = ?", id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	_ = c.Touch()
	return nil
}

// --- Snapshots ---

// SaveSnapshot stores the output and terminal buffers for a session,
// replacing any previous snapshot. An empty terminal buffer removes the
// terminal row rather than storing an empty one.
func (c *Cache) SaveSnapshot(snap *protocol.OutputSnapshot) error {
	capturedAt := snap.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = time.Now()
	}

	tx, err := c.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := saveChunks(tx, snap.SessionID, SnapshotOutput, snap.Chunks, capturedAt); err != nil {
		return err
	}
	if len(snap.TerminalChunks) == 0 {
		if _, err := tx.Exec(
			"DELETE FROM snapshots WHERE session_id = ? AND kind = ?",
			snap.SessionID, SnapshotTerminal,
		); err != nil {
			return err
		}
	} else if err := saveChunks(tx, snap.SessionID, SnapshotTerminal, snap.TerminalChunks, capturedAt); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	_ = c.Touch()
	return nil
}

func saveChunks(tx *sql.Tx, sessionID, kind string, chunks []string, capturedAt time.Time) error {
	if chunks == nil {
		chunks = []string{}
	}
	content, err := json.Marshal(chunks)
	if err != nil {
		return fmt.Errorf("cache: marshal %s chunks: %w", kind, err)
	}
	_, err = tx.Exec(`
		INSERT OR REPLACE INTO snapshots (session_id, kind, content, chunk_count, captured_at)
		VALUES (?, ?, ?, ?, ?)
	`, sessionID, kind, string(content), len(chunks), capturedAt.UnixNano())
	return err
}

// LoadSnapshot returns the cached snapshot for a session, or ErrNoSnapshot
// when the session has no cached output.
func (c *Cache) LoadSnapshot(sessionID string) (*protocol.OutputSnapshot, error) {
	rows, err := c.db.Query(
		"SELECT kind, content, captured_at FROM snapshots WHERE session_id = ?",
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snap := &protocol.OutputSnapshot{SessionID: sessionID}
	found := false
	for rows.Next() {
		var kind, content string
		var capturedNano int64
		if err := rows.Scan(&kind, &content, &capturedNano); err != nil {
			return nil, err
		}
		var chunks []string
		if err := json.Unmarshal([]byte(content), &chunks); err != nil {
			return nil, fmt.Errorf("cache: unmarshal %s chunks: %w", kind, err)
		}
		switch kind {
		case SnapshotOutput:
			snap.Chunks = chunks
			found = true
		case SnapshotTerminal:
			snap.TerminalChunks = chunks
		}
		if capturedNano > 0 {
			snap.CapturedAt = time.Unix(0, capturedNano)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNoSnapshot
	}
	return snap, nil
}

// --- Metadata ---

// SetMeta sets a key-value pair in the meta table.
func (c *Cache) SetMeta(key, value string) error {
	_, err := c.db.Exec(
		"INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta gets a value from the meta table. Returns "" if not found.
func (c *Cache) GetMeta(key string) (string, error) {
	var value string
	err := c.db.QueryRow("SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// --- Change detection ---

// Touch updates a meta timestamp that other console processes can poll to
// detect changes.
func (c *Cache) Touch() error {
	return c.SetMeta("last_modified", fmt.Sprintf("%d", time.Now().UnixNano()))
}

// LastModified returns the last_modified timestamp from meta.
func (c *Cache) LastModified() (int64, error) {
	val, err := c.GetMeta("last_modified")
	if err != nil || val == "" {
		return 0, err
	}
	var ts int64
	_, err = fmt.Sscanf(val, "%d", &ts)
	return ts, err
}

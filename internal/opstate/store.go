// Package opstate persists small pieces of device state that must
// survive a restart: the last OTA outcome, the job being applied when
// power was lost, the firmware URL it came from. Values are strings
// grouped by namespace, one row per key.
package opstate

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is a namespaced key-value store backed by SQLite. It is safe
// for concurrent use.
type Store struct {
	db *sql.DB
}

// Entry is one stored value with its last write time.
type Entry struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

// Open opens (creating if needed) the state database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already opened database, creating the schema on first use.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate opstate: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS device_state (
		namespace  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (namespace, key)
	)`)
	return err
}

const upsert = `INSERT INTO device_state (namespace, key, value, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (namespace, key) DO UPDATE
	SET value = excluded.value, updated_at = excluded.updated_at`

// SetAll upserts several keys of one namespace in a single transaction,
// so readers never see half of a record.
func (s *Store) SetAll(namespace string, values map[string]string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("set %s: begin: %w", namespace, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	ts := now()
	for k, v := range values {
		if _, err := tx.Exec(upsert, namespace, k, v, ts); err != nil {
			return fmt.Errorf("set %s/%s: %w", namespace, k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("set %s: commit: %w", namespace, err)
	}
	return nil
}

// List returns every key/value pair of a namespace. The map is empty,
// never nil, when nothing is stored.
func (s *Store) List(namespace string) (map[string]string, error) {
	entries, err := s.Entries(namespace)
	if err != nil {
		return nil, err
	}
	result := make(map[string]string, len(entries))
	for _, e := range entries {
		result[e.Key] = e.Value
	}
	return result, nil
}

// Entries returns the entries of a namespace ordered by key.
func (s *Store) Entries(namespace string) ([]Entry, error) {
	rows, err := s.db.Query(
		`SELECT key, value, updated_at FROM device_state WHERE namespace = ? ORDER BY key`,
		namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", namespace, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ts string
		if err := rows.Scan(&e.Key, &e.Value, &ts); err != nil {
			return nil, fmt.Errorf("scan %s: %w", namespace, err)
		}
		e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, ts)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

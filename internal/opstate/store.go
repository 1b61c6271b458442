// Package opstate persists the small settings that should outlive a
// restart: the default provider and each conversation's startout
// selection. Conversation histories are not stored here; they are saved
// explicitly as JSON files.
package opstate

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store keeps namespaced settings in SQLite. It is safe for concurrent
// use.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore opens (or creates) the settings database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s, err := NewStoreWithDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStoreWithDB wraps an already-open database and takes ownership of
// it. Tests use it with an in-memory driver.
func NewStoreWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS settings (
			namespace  TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (namespace, key)
		)`); err != nil {
		return nil, fmt.Errorf("create settings table: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the value stored under namespace/key, or "" when there is
// none.
func (s *Store) Get(namespace, key string) (string, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM settings WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&value)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", nil
	case err != nil:
		return "", fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// Set stores value under namespace/key, replacing any previous value.
func (s *Store) Set(namespace, key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings (namespace, key, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, value, s.now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Namespaces returns the distinct namespaces starting with prefix,
// sorted.
func (s *Store) Namespaces(prefix string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT namespace FROM settings
		 WHERE substr(namespace, 1, ?) = ?
		 ORDER BY namespace`,
		len(prefix), prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("list namespaces %q: %w", prefix, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, fmt.Errorf("scan namespace: %w", err)
		}
		// substr counts characters, not bytes; recheck on the Go side.
		if strings.HasPrefix(ns, prefix) {
			out = append(out, ns)
		}
	}
	return out, rows.Err()
}

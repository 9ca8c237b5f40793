// Package kvstore is a small durable family/key/value store backed by
// SQLite. The engine's persistence adapter uses it to survive dynamic
// queue members across restarts.
package kvstore

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by Get when no value exists for the key.
var ErrNotFound = errors.New("kvstore: not found")

// Store wraps a sql.DB connection holding a single kv table.
type Store struct {
	db *sql.DB
}

// Open creates or opens the store at dataDir/flowqueue.db with WAL mode
// enabled.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "flowqueue.db")
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// SQLite performs best with a single writer connection.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		family TEXT NOT NULL,
		key    TEXT NOT NULL,
		value  TEXT NOT NULL,
		PRIMARY KEY (family, key)
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating kv table: %w", err)
	}

	slog.Info("kv store opened", "path", dbPath)
	return &Store{db: db}, nil
}

// Put stores value under (family, key), replacing any existing value.
func (s *Store) Put(family, key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO kv (family, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (family, key) DO UPDATE SET value = excluded.value`,
		family, key, value,
	)
	if err != nil {
		return fmt.Errorf("kv put %s/%s: %w", family, key, err)
	}
	return nil
}

// Get returns the value stored under (family, key), or ErrNotFound.
func (s *Store) Get(family, key string) (string, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM kv WHERE family = ? AND key = ?`,
		family, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("kv get %s/%s: %w", family, key, err)
	}
	return value, nil
}

// Delete removes (family, key). Deleting a missing key is not an error.
func (s *Store) Delete(family, key string) error {
	_, err := s.db.Exec(`DELETE FROM kv WHERE family = ? AND key = ?`, family, key)
	if err != nil {
		return fmt.Errorf("kv delete %s/%s: %w", family, key, err)
	}
	return nil
}

// Keys lists all keys in a family, for management inspection.
func (s *Store) Keys(family string) ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM kv WHERE family = ? ORDER BY key`, family)
	if err != nil {
		return nil, fmt.Errorf("kv keys %s: %w", family, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("kv keys %s: %w", family, err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

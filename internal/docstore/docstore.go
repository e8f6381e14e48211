// Package docstore provides a document-style key-value persistence backend.
// Each logical file is a namespace inside one SQLite database; values are
// opaque byte blobs (JSON documents in practice). Writes buffer in memory
// until Save flushes them in a single transaction, so callers can batch
// rapid successive mutations cheaply.
package docstore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"winter/internal/logging"

	_ "modernc.org/sqlite"
)

// Store is the persistence contract consumed by the session store. The zero
// value of implementations must not be used; obtain one via Open.
type Store interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte)
	Delete(key string)
	Save() error
}

// SQLiteStore implements Store on a namespaced SQLite table.
type SQLiteStore struct {
	db        *sql.DB
	namespace string

	mu      sync.Mutex
	cache   map[string][]byte
	deleted map[string]struct{}
}

var (
	dbMu     sync.Mutex
	dbByPath = make(map[string]*sql.DB)
)

// openDB opens (or reuses) the shared database handle for a path. Namespaces
// opened against the same file share one connection, matching SQLite's
// single-writer model.
func openDB(path string) (*sql.DB, error) {
	dbMu.Lock()
	defer dbMu.Unlock()

	if db, ok := dbByPath[path]; ok {
		return db, nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS documents (
		namespace TEXT NOT NULL,
		key       TEXT NOT NULL,
		value     BLOB NOT NULL,
		PRIMARY KEY (namespace, key)
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	dbByPath[path] = db
	return db, nil
}

// Open returns a Store bound to one namespace of the database at path. The
// existing contents of the namespace are loaded into the in-memory cache;
// unreadable rows are skipped rather than failing the open.
func Open(path, namespace string) (*SQLiteStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "docstore.Open")
	defer timer.Stop()

	db, err := openDB(path)
	if err != nil {
		return nil, err
	}

	s := &SQLiteStore{
		db:        db,
		namespace: namespace,
		cache:     make(map[string][]byte),
		deleted:   make(map[string]struct{}),
	}

	rows, err := db.Query("SELECT key, value FROM documents WHERE namespace = ?", namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to load namespace %s: %w", namespace, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			continue
		}
		s.cache[key] = value
	}

	logging.StoreDebug("Opened namespace %s with %d keys", namespace, len(s.cache))
	return s, nil
}

// Get returns the value for a key and whether it exists.
func (s *SQLiteStore) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cache[key]
	return v, ok
}

// Set stages a value for the key. The value is visible to Get immediately
// but only reaches disk on the next Save.
func (s *SQLiteStore) Set(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[key] = value
	delete(s.deleted, key)
}

// Delete stages removal of a key.
func (s *SQLiteStore) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, key)
	s.deleted[key] = struct{}{}
}

// Save flushes the namespace to disk in one transaction.
func (s *SQLiteStore) Save() error {
	timer := logging.StartTimer(logging.CategoryStore, "docstore.Save")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin save: %w", err)
	}

	for key := range s.deleted {
		if _, err := tx.Exec(
			"DELETE FROM documents WHERE namespace = ? AND key = ?",
			s.namespace, key,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to delete %s: %w", key, err)
		}
	}

	for key, value := range s.cache {
		if _, err := tx.Exec(
			`INSERT INTO documents (namespace, key, value) VALUES (?, ?, ?)
			 ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value`,
			s.namespace, key, value,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to write %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit save: %w", err)
	}

	s.deleted = make(map[string]struct{})
	logging.StoreDebug("Saved namespace %s (%d keys)", s.namespace, len(s.cache))
	return nil
}

// Close closes the underlying database handle shared by all namespaces of
// the given path. Intended for shutdown and tests.
func Close(path string) error {
	dbMu.Lock()
	defer dbMu.Unlock()
	db, ok := dbByPath[path]
	if !ok {
		return nil
	}
	delete(dbByPath, path)
	return db.Close()
}

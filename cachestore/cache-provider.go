package cachestore

import (
	"database/sql"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// Provider is the storage backend for cache entries.
// It stores and retrieves []byte values, which represent captured responses.
// Keys are prefixed with the owning generation name, so prefix operations
// are what make generation-wide retirement possible.
//
// Implementations must be thread-safe. A single Put is atomic: readers see
// either the previous value or the new one, never a partial write.
type Provider interface {
	// Get returns the stored bytes for the given key, if they exist.
	Get(key string) ([]byte, bool, error)
	// Put stores the given bytes under the given key, overwriting any
	// previous value.
	Put(key string, bytes []byte) error
	// Delete removes the entry for the given key.
	// Deleting a missing key is not an error.
	Delete(key string) error
	// Has checks if the specified key exists.
	Has(key string) (bool, error)
	// Keys calls the given callback for each key with the given prefix.
	// It calls the callback in order to enable very large lists of keys to
	// be processable (provider implementation might use paging, for
	// instance).
	Keys(prefix string, cb func(string)) error
	// Purge removes every entry whose key has the given prefix.
	Purge(prefix string) error
}

type SQLiteProvider struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteProvider creates a new provider with the given filename as the db.
// If the file name is empty, a new in-memory db is opened.
func NewSQLiteProvider(filename string) (SQLiteProvider, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteProvider{}, err
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS entries (
		key TEXT PRIMARY KEY,
		stored_at INTEGER,
		bytes BLOB
	)`)
	if err != nil {
		return SQLiteProvider{}, err
	}
	_, err = db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		return SQLiteProvider{}, err
	}
	return SQLiteProvider{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteProvider) Get(key string) ([]byte, bool, error) {
	var bytes []byte
	err := s.db.QueryRow("SELECT bytes FROM entries WHERE key = ?", key).Scan(&bytes)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (s SQLiteProvider) Put(key string, bytes []byte) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO entries (key, stored_at, bytes) VALUES (?, ?, ?)",
		key, time.Now().Unix(), bytes)
	return err
}

func (s SQLiteProvider) Delete(key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM entries WHERE key = ?", key)
	return err
}

func (s SQLiteProvider) Has(key string) (bool, error) {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM entries WHERE key = ?", key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s SQLiteProvider) Keys(prefix string, cb func(string)) error {
	rows, err := s.db.Query("SELECT key FROM entries WHERE key LIKE ? ORDER BY key", prefix+"%")
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return err
		}
		cb(key)
	}
	return rows.Err()
}

func (s SQLiteProvider) Purge(prefix string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM entries WHERE key LIKE ?", prefix+"%")
	return err
}

// MemoryProvider is an in-memory provider for tests and ephemeral runs.
type MemoryProvider struct {
	mutex   *sync.RWMutex
	entries map[string][]byte
}

func NewMemoryProvider() MemoryProvider {
	return MemoryProvider{
		mutex:   &sync.RWMutex{},
		entries: make(map[string][]byte),
	}
}

func (m MemoryProvider) Get(key string) ([]byte, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	bytes, ok := m.entries[key]
	return bytes, ok, nil
}

func (m MemoryProvider) Put(key string, bytes []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.entries[key] = bytes
	return nil
}

func (m MemoryProvider) Delete(key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.entries, key)
	return nil
}

func (m MemoryProvider) Has(key string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.entries[key]
	return ok, nil
}

func (m MemoryProvider) Keys(prefix string, cb func(string)) error {
	m.mutex.RLock()
	keys := make([]string, 0, len(m.entries))
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	m.mutex.RUnlock()
	sort.Strings(keys)
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (m MemoryProvider) Purge(prefix string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) {
			delete(m.entries, key)
		}
	}
	return nil
}

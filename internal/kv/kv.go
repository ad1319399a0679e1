// Package kv provides the key-value backends that hold the gateway counters
// and the replay ledger.
package kv

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("kv: not found")

// Store is the minimal persistence contract used by the state cells.
type Store interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Has(key []byte) (bool, error)
	Close() error
}

// MemStore keeps everything in a map. Used in tests and for ephemeral runs.
type MemStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

func (m *MemStore) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (m *MemStore) Put(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (m *MemStore) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
	return nil
}

func (m *MemStore) Has(key []byte) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[string(key)]
	return ok, nil
}

// Close is a no-op for the in-memory store.
func (m *MemStore) Close() error { return nil }

// LevelStore is a persistent Store on LevelDB.
type LevelStore struct {
	db *leveldb.DB
}

// OpenLevel opens (or creates) a LevelDB database at path.
func OpenLevel(path string) (*LevelStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("kv: leveldb path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("kv: resolve leveldb path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("kv: open leveldb: %w", err)
	}
	return &LevelStore{db: db}, nil
}

// OpenLevelInMemory opens a LevelDB instance over memory-backed storage.
func OpenLevelInMemory() (*LevelStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("kv: open memory leveldb: %w", err)
	}
	return &LevelStore{db: db}, nil
}

func (l *LevelStore) Get(key []byte) ([]byte, error) {
	value, err := l.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv: get: %w", err)
	}
	return value, nil
}

func (l *LevelStore) Put(key, value []byte) error {
	if err := l.db.Put(key, value, nil); err != nil {
		return fmt.Errorf("kv: put: %w", err)
	}
	return nil
}

func (l *LevelStore) Delete(key []byte) error {
	if err := l.db.Delete(key, nil); err != nil {
		return fmt.Errorf("kv: delete: %w", err)
	}
	return nil
}

func (l *LevelStore) Has(key []byte) (bool, error) {
	ok, err := l.db.Has(key, nil)
	if err != nil {
		return false, fmt.Errorf("kv: has: %w", err)
	}
	return ok, nil
}

// Close releases the underlying LevelDB resources.
func (l *LevelStore) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

var (
	_ Store = (*MemStore)(nil)
	_ Store = (*LevelStore)(nil)
)

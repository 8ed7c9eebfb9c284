package memory

import (
	"sort"
	"strings"
	"sync"

	"github.com/nicktill/exportd/pkg/storage"
)

// Store keeps metadata in memory. Data is lost on restart.
// Useful for testing and development.
type Store struct {
	values map[string][]byte
	mu     sync.RWMutex
}

// New creates an in-memory store.
func New() *Store {
	return &Store{values: make(map[string][]byte)}
}

// Get returns the value stored under prefix+key.
func (s *Store) Get(prefix, key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.values[string(prefix)+string(key)]
	if !ok {
		return nil, storage.ErrKeyNotFound
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	return cp, nil
}

// Put stores value under prefix+key.
func (s *Store) Put(prefix, key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make([]byte, len(value))
	copy(cp, value)
	s.values[string(prefix)+string(key)] = cp
	return nil
}

// Delete removes prefix+key. Absent keys are a no-op.
func (s *Store) Delete(prefix, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.values, string(prefix)+string(key))
	return nil
}

// ListKeys returns all keys under the prefix, prefix stripped and sorted.
func (s *Store) ListKeys(prefix []byte) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := []string{}
	for k := range s.values {
		if strings.HasPrefix(k, string(prefix)) {
			keys = append(keys, k[len(prefix):])
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}

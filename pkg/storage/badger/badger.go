package badger

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/nicktill/exportd/pkg/storage"
)

// Store implements storage.Store using BadgerDB (LSM tree).
type Store struct {
	db *badger.DB
}

// Config holds BadgerDB configuration.
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool
}

// New opens a BadgerDB backed store. The metadata workload here is tiny
// (one record per source plus job history), so the defaults are scaled
// down: no versioning and small value log files.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	opts = opts.
		WithNumVersionsToKeep(1).
		WithValueLogFileSize(64 << 20).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Store{db: db}, nil
}

// Get returns the value stored under prefix+key.
func (s *Store) Get(prefix, key []byte) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(fullKey(prefix, key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, storage.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key: %w", err)
	}
	return value, nil
}

// Put stores value under prefix+key.
func (s *Store) Put(prefix, key, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(fullKey(prefix, key), value)
	})
	if err != nil {
		return fmt.Errorf("failed to write key: %w", err)
	}
	return nil
}

// Delete removes prefix+key. Absent keys are a no-op, matching badger.
func (s *Store) Delete(prefix, key []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(fullKey(prefix, key))
	})
	if err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

// ListKeys returns all keys under the prefix, prefix stripped.
func (s *Store) ListKeys(prefix []byte) ([]string, error) {
	keys := []string{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			k := it.Item().Key()
			keys = append(keys, string(k[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	return keys, nil
}

// Close shuts down BadgerDB cleanly.
func (s *Store) Close() error {
	return s.db.Close()
}

// RunGC runs BadgerDB's value log garbage collection.
// Returns badger.ErrNoRewrite when no GC was needed.
func (s *Store) RunGC(discardRatio float64) error {
	return s.db.RunValueLogGC(discardRatio)
}

func fullKey(prefix, key []byte) []byte {
	k := make([]byte, 0, len(prefix)+len(key))
	k = append(k, prefix...)
	return append(k, key...)
}

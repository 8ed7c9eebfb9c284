package storage

import "errors"

// ErrKeyNotFound is returned by Get and Delete when the key is absent.
var ErrKeyNotFound = errors.New("key not found")

// Key namespaces. Registered sources and terminal job records share one
// store and are separated by these byte prefixes.
var (
	PrefixData = []byte("data-")
	PrefixJobs = []byte("jobs-")
)

// Store is the durable key/value metadata store.
// Implementations: memory (testing), badger (production).
type Store interface {
	// Get returns the value stored under prefix+key.
	Get(prefix, key []byte) ([]byte, error)

	// Put stores value under prefix+key, overwriting any previous value.
	Put(prefix, key, value []byte) error

	// Delete removes prefix+key. Deleting an absent key is not an error.
	Delete(prefix, key []byte) error

	// ListKeys returns all keys under the prefix, with the prefix stripped.
	ListKeys(prefix []byte) ([]string, error)

	// Close cleanly shuts down the store.
	Close() error
}

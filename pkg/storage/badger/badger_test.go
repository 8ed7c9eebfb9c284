package badger

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nicktill/exportd/pkg/storage"
)

func newInMemoryStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_GetPutDelete(t *testing.T) {
	store := newInMemoryStore(t)

	_, err := store.Get(storage.PrefixData, []byte("missing"))
	require.ErrorIs(t, err, storage.ErrKeyNotFound)

	require.NoError(t, store.Put(storage.PrefixData, []byte("k"), []byte("v1")))
	value, err := store.Get(storage.PrefixData, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), value)

	require.NoError(t, store.Put(storage.PrefixData, []byte("k"), []byte("v2")))
	value, err = store.Get(storage.PrefixData, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), value)

	require.NoError(t, store.Delete(storage.PrefixData, []byte("k")))
	_, err = store.Get(storage.PrefixData, []byte("k"))
	require.ErrorIs(t, err, storage.ErrKeyNotFound)

	require.NoError(t, store.Delete(storage.PrefixData, []byte("k")))
}

func TestStore_ListKeysStripsPrefix(t *testing.T) {
	store := newInMemoryStore(t)

	require.NoError(t, store.Put(storage.PrefixData, []byte("plant-7"), []byte("a")))
	require.NoError(t, store.Put(storage.PrefixData, []byte("plant-8"), []byte("b")))
	require.NoError(t, store.Put(storage.PrefixJobs, []byte("job-1"), []byte("c")))

	keys, err := store.ListKeys(storage.PrefixData)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"plant-7", "plant-8"}, keys)

	keys, err = store.ListKeys(storage.PrefixJobs)
	require.NoError(t, err)
	require.Equal(t, []string{"job-1"}, keys)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := New(Config{Path: dir})
	require.NoError(t, err)
	require.NoError(t, store.Put(storage.PrefixData, []byte("plant-7"), []byte("registration")))
	require.NoError(t, store.Close())

	store, err = New(Config{Path: dir})
	require.NoError(t, err)
	defer store.Close()

	value, err := store.Get(storage.PrefixData, []byte("plant-7"))
	require.NoError(t, err)
	require.Equal(t, []byte("registration"), value)
}

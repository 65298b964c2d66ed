package kvstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSetGetDelete(t *testing.T) {
	store := openTestStore(t)

	_, found, err := store.Get("plugin-a", "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Set("plugin-a", "greeting", "hello"))
	value, found, err := store.Get("plugin-a", "greeting")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "hello", value)

	require.NoError(t, store.Delete("plugin-a", "greeting"))
	_, found, err = store.Get("plugin-a", "greeting")
	require.NoError(t, err)
	assert.False(t, found)
}

// TestNamespaceIsolation verifies two plugins never see each other's keys,
// even when they use identical key names (spec §4.8 isolation invariant).
func TestNamespaceIsolation(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Set("plugin-a", "shared-key", "value-a"))
	require.NoError(t, store.Set("plugin-b", "shared-key", "value-b"))

	valueA, _, err := store.Get("plugin-a", "shared-key")
	require.NoError(t, err)
	valueB, _, err := store.Get("plugin-b", "shared-key")
	require.NoError(t, err)

	assert.Equal(t, "value-a", valueA)
	assert.Equal(t, "value-b", valueB)
}

func TestListNamespace(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Set("plugin-a", "k1", "v1"))
	require.NoError(t, store.Set("plugin-a", "k2", "v2"))
	require.NoError(t, store.Set("plugin-b", "k3", "v3"))

	keys, err := store.ListNamespace("plugin-a")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"k1", "k2"}, keys)
}

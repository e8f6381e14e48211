package docstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T, namespace string) (*SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	store, err := Open(path, namespace)
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(path) })
	return store, path
}

func TestSetGetSaveReload(t *testing.T) {
	store, path := openTest(t, "test")

	store.Set("greeting", []byte("hello"))
	store.Set("count", []byte("42"))
	require.NoError(t, store.Save())

	require.NoError(t, Close(path))

	reopened, err := Open(path, "test")
	require.NoError(t, err)

	v, ok := reopened.Get("greeting")
	require.True(t, ok)
	assert.Equal(t, "hello", string(v))

	v, ok = reopened.Get("count")
	require.True(t, ok)
	assert.Equal(t, "42", string(v))
}

func TestGetMissingKey(t *testing.T) {
	store, _ := openTest(t, "test")
	_, ok := store.Get("absent")
	assert.False(t, ok)
}

func TestDeleteRemovesAcrossSave(t *testing.T) {
	store, path := openTest(t, "test")

	store.Set("doomed", []byte("x"))
	require.NoError(t, store.Save())

	store.Delete("doomed")
	_, ok := store.Get("doomed")
	assert.False(t, ok)
	require.NoError(t, store.Save())

	require.NoError(t, Close(path))
	reopened, err := Open(path, "test")
	require.NoError(t, err)
	_, ok = reopened.Get("doomed")
	assert.False(t, ok)
}

func TestOverwriteValue(t *testing.T) {
	store, _ := openTest(t, "test")
	store.Set("k", []byte("v1"))
	require.NoError(t, store.Save())
	store.Set("k", []byte("v2"))
	require.NoError(t, store.Save())

	v, ok := store.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v2", string(v))
}

func TestNamespacesAreIsolated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	t.Cleanup(func() { _ = Close(path) })

	a, err := Open(path, "alpha")
	require.NoError(t, err)
	b, err := Open(path, "beta")
	require.NoError(t, err)

	a.Set("shared-key", []byte("from-a"))
	require.NoError(t, a.Save())

	_, ok := b.Get("shared-key")
	assert.False(t, ok, "namespaces must not leak into each other")

	b.Set("shared-key", []byte("from-b"))
	require.NoError(t, b.Save())

	v, ok := a.Get("shared-key")
	require.True(t, ok)
	assert.Equal(t, "from-a", string(v))
}

func TestUnsavedChangesStayInMemory(t *testing.T) {
	store, path := openTest(t, "test")
	store.Set("staged", []byte("pending"))

	// Visible before Save within this handle.
	v, ok := store.Get("staged")
	require.True(t, ok)
	assert.Equal(t, "pending", string(v))

	require.NoError(t, Close(path))
	reopened, err := Open(path, "test")
	require.NoError(t, err)
	_, ok = reopened.Get("staged")
	assert.False(t, ok, "unsaved staging must not reach disk")
}

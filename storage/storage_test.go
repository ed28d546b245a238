package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func testStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	var missing doc
	found, err := store.GetJSON(ctx, "absent", &missing)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.PutJSON(ctx, "d", doc{Name: "a", Count: 1}))

	var got doc
	found, err = store.GetJSON(ctx, "d", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, doc{Name: "a", Count: 1}, got)

	// Put is an upsert.
	require.NoError(t, store.PutJSON(ctx, "d", doc{Name: "b", Count: 2}))
	found, err = store.GetJSON(ctx, "d", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "b", got.Name)

	require.NoError(t, store.Delete(ctx, "d"))
	found, err = store.GetJSON(ctx, "d", &got)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Delete(ctx, "never-existed"))
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	testStore(t, store)
}

func TestSQLiteStore(t *testing.T) {
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer store.Close()
	testStore(t, store)
}

func TestSQLiteStorePersistsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	store, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, store.PutJSON(ctx, "d", doc{Name: "kept", Count: 7}))
	require.NoError(t, store.Close())

	reopened, err := OpenSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()

	var got doc
	found, err := reopened.GetJSON(ctx, "d", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "kept", got.Name)
}

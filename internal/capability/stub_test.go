package capability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryObjectStoreCreateAssignsID(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryObjectStore()

	rec, err := store.Create(ctx, "t1", "task", map[string]any{"title": "follow up"})
	require.NoError(t, err)
	id, ok := rec["id"].(string)
	require.True(t, ok)
	require.NotEmpty(t, id)

	got, err := store.Read(ctx, "t1", "task", id)
	require.NoError(t, err)
	assert.Equal(t, "follow up", got["title"])
}

func TestMemoryObjectStoreCreateKeepsProvidedID(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryObjectStore()

	rec, err := store.Create(ctx, "t1", "task", map[string]any{"id": "task-7"})
	require.NoError(t, err)
	assert.Equal(t, "task-7", rec["id"])

	_, err = store.Read(ctx, "t1", "task", "task-7")
	assert.NoError(t, err)
}

func TestMemoryObjectStoreCreateReplacesNonStringID(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryObjectStore()

	// A templated field map can render the id as a number.
	rec, err := store.Create(ctx, "t1", "task", map[string]any{"id": 42, "title": "imported"})
	require.NoError(t, err)
	id, ok := rec["id"].(string)
	require.True(t, ok)
	require.NotEmpty(t, id)

	got, err := store.Read(ctx, "t1", "task", id)
	require.NoError(t, err)
	assert.Equal(t, "imported", got["title"])
}

package backend

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultsync/vaultsync/internal/vaulterrors"
)

func TestCache_SaveThenLoadUsesHotLayer(t *testing.T) {
	c, err := NewCache(t.TempDir(), 8, 0, slog.Default())
	require.NoError(t, err)

	_, err = c.Save(context.Background(), "file-1", nil, []byte("blob-a"), "")
	require.NoError(t, err)

	data, _, err := c.Load(context.Background(), "file-1", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("blob-a"), data)
	assert.True(t, c.Has("file-1"))
}

func TestCache_LoadMissingIsNotFound(t *testing.T) {
	c, err := NewCache(t.TempDir(), 8, 0, slog.Default())
	require.NoError(t, err)

	_, _, err = c.Load(context.Background(), "no-such-id", nil)
	require.Error(t, err)
	assert.True(t, vaulterrors.IsNotFound(err))
}

func TestCache_SaveNeverConflicts(t *testing.T) {
	c, err := NewCache(t.TempDir(), 0, 0, slog.Default())
	require.NoError(t, err)

	_, err = c.Save(context.Background(), "file-1", nil, []byte("v1"), "")
	require.NoError(t, err)

	_, err = c.Save(context.Background(), "file-1", nil, []byte("v2"), "stale-rev")
	assert.NoError(t, err)

	data, _, err := c.Load(context.Background(), "file-1", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), data)
}

func TestCache_RemoveClearsHotAndDisk(t *testing.T) {
	c, err := NewCache(t.TempDir(), 8, 0, slog.Default())
	require.NoError(t, err)

	_, err = c.Save(context.Background(), "file-1", nil, []byte("v1"), "")
	require.NoError(t, err)
	require.True(t, c.Has("file-1"))

	require.NoError(t, c.Remove("file-1"))
	assert.False(t, c.Has("file-1"))

	require.NoError(t, c.Remove("file-1"), "removing an absent blob is not an error")
}

func TestCache_DisabledHotLayerStillWorks(t *testing.T) {
	c, err := NewCache(t.TempDir(), -1, 0, slog.Default())
	require.NoError(t, err)

	_, err = c.Save(context.Background(), "file-1", nil, []byte("v1"), "")
	require.NoError(t, err)

	data, _, err := c.Load(context.Background(), "file-1", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), data)
}

func TestCache_EvictsOldestBlobsOverDiskBudget(t *testing.T) {
	c, err := NewCache(t.TempDir(), 8, 10, slog.Default())
	require.NoError(t, err)

	_, err = c.Save(context.Background(), "file-1", nil, []byte("0123456789"), "")
	require.NoError(t, err)
	require.True(t, c.Has("file-1"))

	time.Sleep(2 * time.Millisecond) // force a distinct mtime ordering

	_, err = c.Save(context.Background(), "file-2", nil, []byte("9876543210"), "")
	require.NoError(t, err)

	assert.False(t, c.Has("file-1"), "the oldest blob must be evicted once the directory exceeds maxDiskBytes")
	assert.True(t, c.Has("file-2"))
}

func TestCache_UnlimitedDiskBudgetNeverEvicts(t *testing.T) {
	c, err := NewCache(t.TempDir(), 8, 0, slog.Default())
	require.NoError(t, err)

	_, err = c.Save(context.Background(), "file-1", nil, []byte("0123456789"), "")
	require.NoError(t, err)

	_, err = c.Save(context.Background(), "file-2", nil, []byte("9876543210"), "")
	require.NoError(t, err)

	assert.True(t, c.Has("file-1"))
	assert.True(t, c.Has("file-2"))
}

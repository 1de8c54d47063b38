package syncengine

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultsync/vaultsync/internal/backend"
	"github.com/vaultsync/vaultsync/internal/store"
	"github.com/vaultsync/vaultsync/internal/vaulterrors"
	"github.com/vaultsync/vaultsync/internal/vaultfile"
)

type recordingEvents struct {
	refreshes        int
	remoteKeyChanged int
}

func (r *recordingEvents) EmitRefresh()                        { r.refreshes++ }
func (r *recordingEvents) EmitRemoteKeyChanged(vaultfile.File) { r.remoteKeyChanged++ }

func newTestEngine(t *testing.T, events EventEmitter) (*Engine, *store.Registry, *backend.Cache) {
	t.Helper()

	registry, err := store.New(filepath.Join(t.TempDir(), "registry.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = registry.Close() })
	require.NoError(t, registry.Load(context.Background()))

	backends := backend.NewRegistry()

	cache, err := backend.NewCache(t.TempDir(), 8, 0, slog.Default())
	require.NoError(t, err)
	backends.Register("cache", cache)

	return New(backends, registry, events, slog.Default()), registry, cache
}

func openedFile(t *testing.T, id, password string) *vaultfile.MemFile {
	t.Helper()

	f := vaultfile.NewEmptyFile()

	var openErr error
	f.Open(password, nil, nil, func(err error) { openErr = err })
	require.NoError(t, openErr)

	f.SetCacheId(f.Id())
	f.SetStorage("dropbox")
	f.SetPath("/vault.kdbx")
	f.SetName("vault.kdbx")

	return f
}

func seedFileInfo(t *testing.T, registry *store.Registry, f *vaultfile.MemFile, rev string, modified bool) {
	t.Helper()

	registry.Unshift(&store.FileInfo{
		ID: f.CacheId(), Name: f.Name(), Storage: f.Storage(), Path: f.Path(), Rev: rev, Modified: modified,
	})
	require.NoError(t, registry.Save(context.Background()))
}

func TestSync_S1_CleanSyncSkipsLoadAndSave(t *testing.T) {
	events := &recordingEvents{}
	engine, registry, _ := newTestEngine(t, events)

	f := openedFile(t, "id-1", "hunter2")
	seedFileInfo(t, registry, f, "R1", false)

	remote := &fakeRemote{statQueue: []statResult{{stat: backend.Stat{Rev: "R1"}}}}
	engine.backends.Register("dropbox", remote)

	err := engine.Sync(context.Background(), f, Options{})
	require.NoError(t, err)

	assert.Equal(t, 0, remote.loadCalls)
	assert.Equal(t, 0, remote.saveCalls)
	assert.False(t, f.Modified())
	assert.False(t, f.Syncing())
}

func TestSync_S2_EditThenSyncSaves(t *testing.T) {
	engine, registry, _ := newTestEngine(t, nil)

	f := openedFile(t, "id-1", "hunter2")
	f.Put("site", "secret")
	seedFileInfo(t, registry, f, "R1", true)

	remote := &fakeRemote{
		statQueue: []statResult{{stat: backend.Stat{Rev: "R1"}}},
		saveQueue: []saveResult{{stat: backend.Stat{Rev: "R2"}}},
	}
	engine.backends.Register("dropbox", remote)

	err := engine.Sync(context.Background(), f, Options{})
	require.NoError(t, err)

	assert.Equal(t, 0, remote.loadCalls)
	assert.Equal(t, 1, remote.saveCalls)
	assert.False(t, f.Modified())

	fi, ok := registry.Get(f.CacheId())
	require.True(t, ok)
	assert.Equal(t, "R2", fi.Rev)
}

// TestSync_SaveAsToNewBackendRecomputesPath covers the §4.5 Setup clause
// "if switching backends ... and the backend provides getPathForName,
// compute path from name": a "save as" to a new storage with no explicit
// Options.Path must not reuse the stale path from the old backend.
func TestSync_SaveAsToNewBackendRecomputesPath(t *testing.T) {
	engine, registry, _ := newTestEngine(t, nil)

	f := openedFile(t, "id-1", "hunter2")
	f.Put("site", "secret")
	seedFileInfo(t, registry, f, "R1", true)

	onedrive := &fakeRemote{
		pathForName: "/new/vault.kdbx",
		statQueue:   []statResult{{err: vaulterrors.NewNotFound(vaulterrors.KindStorageStat, "onedrive", "/new/vault.kdbx")}},
		saveQueue:   []saveResult{{stat: backend.Stat{Rev: "R1-onedrive"}}},
	}
	engine.backends.Register("onedrive", onedrive)

	err := engine.Sync(context.Background(), f, Options{Storage: "onedrive"})
	require.NoError(t, err)

	assert.Equal(t, "/new/vault.kdbx", onedrive.lastPath, "path must be recomputed from name, not carried over stale from the old backend")
	assert.Equal(t, "/new/vault.kdbx", f.Path())
}

func remoteBytesFrom(t *testing.T, f *vaultfile.MemFile) []byte {
	t.Helper()

	var data []byte
	f.GetData(func(d []byte, err error) {
		require.NoError(t, err)
		data = d
	})

	return data
}

func TestSync_S3_RemoteNewerMergesWithoutSave(t *testing.T) {
	events := &recordingEvents{}
	engine, registry, _ := newTestEngine(t, events)

	f := openedFile(t, "id-1", "hunter2")
	seedFileInfo(t, registry, f, "R1", false)

	remoteData := remoteBytesFrom(t, f)

	remote := &fakeRemote{
		statQueue: []statResult{{stat: backend.Stat{Rev: "R2"}}},
		loadQueue: []loadResult{{data: remoteData, stat: backend.Stat{Rev: "R2"}}},
	}
	engine.backends.Register("dropbox", remote)

	err := engine.Sync(context.Background(), f, Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, remote.loadCalls)
	assert.Equal(t, 0, remote.saveCalls)
	assert.Equal(t, 1, events.refreshes)

	fi, ok := registry.Get(f.CacheId())
	require.True(t, ok)
	assert.Equal(t, "R2", fi.Rev)
}

func TestSync_S4_RevConflictRetriesThenSucceeds(t *testing.T) {
	engine, registry, _ := newTestEngine(t, nil)

	f := openedFile(t, "id-1", "hunter2")
	f.Put("site", "secret")
	seedFileInfo(t, registry, f, "R1", true)

	remoteData := remoteBytesFrom(t, f)

	remote := &fakeRemote{
		statQueue: []statResult{
			{stat: backend.Stat{Rev: "R1"}}, // initial decision stat
		},
		loadQueue: []loadResult{{data: remoteData, stat: backend.Stat{Rev: "R2"}}},
		saveQueue: []saveResult{
			{err: vaulterrors.NewRevConflict("dropbox", "/vault.kdbx")},
			{stat: backend.Stat{Rev: "R3"}},
		},
	}
	engine.backends.Register("dropbox", remote)

	err := engine.Sync(context.Background(), f, Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, remote.loadCalls)
	assert.Equal(t, 2, remote.saveCalls)

	fi, ok := registry.Get(f.CacheId())
	require.True(t, ok)
	assert.Equal(t, "R3", fi.Rev)
}

// TestSync_RevConflictRetryPreservesRemoteKey covers a key-rotation sync
// that also hits a rev conflict on its first save attempt: the
// LoadAndMerge re-entry from saveToStorage must still carry the caller's
// Options.RemoteKey, not drop it, since it is the same sync invocation.
func TestSync_RevConflictRetryPreservesRemoteKey(t *testing.T) {
	engine, registry, _ := newTestEngine(t, nil)

	f := openedFile(t, "id-1", "hunter2")
	f.Put("site", "secret")
	seedFileInfo(t, registry, f, "R1", true)

	otherKeyFile := openedFile(t, "id-2", "different-password")
	remoteData := remoteBytesFrom(t, otherKeyFile)

	remoteKey := keyHashBytes(t, "hunter2")

	remote := &fakeRemote{
		statQueue: []statResult{{stat: backend.Stat{Rev: "R1"}}},
		loadQueue: []loadResult{{data: remoteData, stat: backend.Stat{Rev: "R2"}}},
		saveQueue: []saveResult{
			{err: vaulterrors.NewRevConflict("dropbox", "/vault.kdbx")},
			{stat: backend.Stat{Rev: "R3"}},
		},
	}
	engine.backends.Register("dropbox", remote)

	err := engine.Sync(context.Background(), f, Options{RemoteKey: remoteKey})
	require.NoError(t, err)

	assert.Equal(t, 1, remote.loadCalls)
	assert.Equal(t, 2, remote.saveCalls)

	fi, ok := registry.Get(f.CacheId())
	require.True(t, ok)
	assert.Equal(t, "R3", fi.Rev)
}

// keyHashBytes reproduces vaultfile.MemFile's password-only key hash (no
// key-file data) as raw bytes, the shape MemFile.MergeOrUpdate expects for
// a remote key that authorizes a key-hash mismatch.
func keyHashBytes(t *testing.T, password string) []byte {
	t.Helper()

	h := sha256.Sum256([]byte(password))

	return h[:]
}

func TestSync_S5_InvalidKeyOnMergeEmitsEvent(t *testing.T) {
	events := &recordingEvents{}
	engine, registry, _ := newTestEngine(t, events)

	f := openedFile(t, "id-1", "hunter2")
	seedFileInfo(t, registry, f, "R1", false)

	otherKeyFile := openedFile(t, "id-2", "different-password")
	remoteData := remoteBytesFrom(t, otherKeyFile)

	remote := &fakeRemote{
		statQueue: []statResult{{stat: backend.Stat{Rev: "R2"}}},
		loadQueue: []loadResult{{data: remoteData, stat: backend.Stat{Rev: "R2"}}},
	}
	engine.backends.Register("dropbox", remote)

	err := engine.Sync(context.Background(), f, Options{})
	require.Error(t, err)
	assert.True(t, vaulterrors.IsInvalidKey(err))
	assert.Equal(t, 1, events.remoteKeyChanged)
	assert.False(t, f.Syncing(), "syncing must always clear, even on failure")
}

func TestSync_S6_StatFailureIsSurfacedToCaller(t *testing.T) {
	engine, registry, cache := newTestEngine(t, nil)

	f := openedFile(t, "id-1", "hunter2")
	seedFileInfo(t, registry, f, "R1", false)

	data := remoteBytesFrom(t, f)
	_, err := cache.Save(context.Background(), f.CacheId(), nil, data, "")
	require.NoError(t, err)

	remote := &fakeRemote{statQueue: []statResult{{err: assertErr("network down")}}}
	engine.backends.Register("dropbox", remote)

	err = engine.Sync(context.Background(), f, Options{})
	require.Error(t, err, "a remote stat failure is surfaced to the caller; offline-open-from-cache is the Open Orchestrator's job, not the sync engine's")
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestSync_Invariant4_BoundedRetryTerminates(t *testing.T) {
	engine, registry, _ := newTestEngine(t, nil)

	f := openedFile(t, "id-1", "hunter2")
	f.Put("site", "secret")
	seedFileInfo(t, registry, f, "R1", true)

	remoteData := remoteBytesFrom(t, f)

	remote := &fakeRemote{
		statQueue: []statResult{{stat: backend.Stat{Rev: "R1"}}},
		loadQueue: []loadResult{{data: remoteData, stat: backend.Stat{Rev: "R1"}}},
		saveQueue: []saveResult{{err: vaulterrors.NewRevConflict("dropbox", "/vault.kdbx")}},
	}
	engine.backends.Register("dropbox", remote)

	err := engine.Sync(context.Background(), f, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, vaulterrors.ErrTooManyLoadAttempts)
	assert.LessOrEqual(t, remote.loadCalls, maxLoadAttempts)
	assert.Equal(t, maxLoadAttempts+1, remote.saveCalls, "3 load+merge cycles, each preceded by a save attempt, plus the terminal rejected save")
}

func TestSync_DemoFileIsNoOp(t *testing.T) {
	engine, _, _ := newTestEngine(t, nil)

	demo := vaultfile.NewDemoFile()

	err := engine.Sync(context.Background(), demo, Options{})
	assert.NoError(t, err)
}

func TestSync_SyncInProgressRejected(t *testing.T) {
	engine, registry, _ := newTestEngine(t, nil)

	f := openedFile(t, "id-1", "hunter2")
	seedFileInfo(t, registry, f, "R1", false)
	f.SetSyncProgress()

	err := engine.Sync(context.Background(), f, Options{})
	assert.ErrorIs(t, err, vaulterrors.ErrSyncInProgress)
}

func TestSync_LocalOnlyNoOpWhenUnmodifiedAndCacheIdMatches(t *testing.T) {
	engine, registry, _ := newTestEngine(t, nil)

	f := vaultfile.NewEmptyFile()

	var openErr error
	f.Open("hunter2", nil, nil, func(err error) { openErr = err })
	require.NoError(t, openErr)
	f.SetCacheId(f.Id())
	f.SetName("local.kdbx")

	seedFileInfo(t, registry, f, "", false)

	err := engine.Sync(context.Background(), f, Options{})
	require.NoError(t, err)
}

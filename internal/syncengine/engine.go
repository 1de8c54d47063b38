// Package syncengine implements the Sync State Machine (§4.5): the
// stat → decide → (load+merge)* → save cycle that reconciles a File's local
// edits with a remote backend, bounded to 3 load+merge attempts on
// persistent rev conflict.
//
// Translated to Go, the diagram's callback chain becomes a single blocking
// call with an internal attempt loop — no goroutines are spawned mid-sync,
// matching §5's single-threaded cooperative model; independent files may
// still sync concurrently on their own goroutines, guarded only by each
// File's own `syncing` flag (§5 "the syncing flag is the sole mutex").
// Grounded on the teacher's internal/sync.Engine.RunOnce / executePlan
// control flow (observe → plan → execute), retargeted at a three-way
// stat/load/merge/save cycle instead of a directory diff.
package syncengine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vaultsync/vaultsync/internal/backend"
	"github.com/vaultsync/vaultsync/internal/store"
	"github.com/vaultsync/vaultsync/internal/vaulterrors"
	"github.com/vaultsync/vaultsync/internal/vaultfile"
)

// maxLoadAttempts bounds the LoadAndMerge retry loop (§8 invariant 4).
const maxLoadAttempts = 3

// EventEmitter is the narrow slice of the controller's event port the
// engine needs (§9 Design Note "Event bus → explicit ports"): refresh after
// every successful merge, remote-key-changed on a merge key mismatch.
type EventEmitter interface {
	EmitRefresh()
	EmitRemoteKeyChanged(file vaultfile.File)
}

// Options overrides the effective storage/path/opts for a sync, e.g. a
// "save as" to a new backend, and may supply a remote key for a
// key-rotation merge (§4.5 "Invocation").
type Options struct {
	Storage   string
	Path      string
	Opts      backend.Opts
	RemoteKey []byte
}

// Engine drives syncs for a single registry + backend set.
type Engine struct {
	backends *backend.Registry
	registry *store.Registry
	events   EventEmitter
	logger   *slog.Logger
	nowFunc  func() int64
}

// New constructs an Engine. events may be nil, in which case refresh /
// remote-key-changed notifications are simply dropped (e.g. headless use).
func New(backends *backend.Registry, registry *store.Registry, events EventEmitter, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		backends: backends,
		registry: registry,
		events:   events,
		logger:   logger,
		nowFunc:  func() int64 { return time.Now().UnixNano() },
	}
}

// Sync runs one reconciliation cycle for file (§4.5).
func (e *Engine) Sync(ctx context.Context, file vaultfile.File, opts Options) error {
	if file.Demo() {
		return nil
	}

	if file.Syncing() {
		return vaulterrors.ErrSyncInProgress
	}

	fileInfo := e.resolveOrCreateFileInfo(file)

	storage := firstNonEmpty(opts.Storage, file.Storage())
	path := firstNonEmpty(opts.Path, file.Path())
	fopts := opts.Opts

	if fopts == nil {
		fopts = file.Opts()
	}

	// §4.5 Setup: recompute path from name when switching backends (a stale
	// path from the old backend is meaningless against the new one) or when
	// no path is known yet — but never override a path the caller supplied
	// explicitly via opts.Path (e.g. an explicit "save as" destination).
	if opts.Path == "" && (path == "" || storage != file.Storage()) {
		if be, ok := e.backends.Get(storage); ok {
			if namer, ok := be.(backend.PathNamer); ok {
				path = namer.GetPathForName(fileInfo.Name)
			}
		}
	}

	file.SetSyncProgress()

	var (
		syncErr      error
		savedToCache bool
	)

	if storage == "" {
		savedToCache, syncErr = e.syncLocalOnly(ctx, file, fileInfo)
	} else {
		savedToCache, syncErr = e.syncRemote(ctx, file, fileInfo, storage, path, fopts, opts.RemoteKey)
	}

	e.complete(ctx, file, fileInfo, path, storage, fopts, syncErr, savedToCache)

	return syncErr
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}

	return b
}

func (e *Engine) resolveOrCreateFileInfo(file vaultfile.File) *store.FileInfo {
	id := file.CacheId()
	if id == "" {
		id = file.Id()
	}

	if fi, ok := e.registry.Get(id); ok {
		return fi
	}

	return &store.FileInfo{ID: id, Name: file.Name(), Storage: file.Storage(), Path: file.Path()}
}

// syncLocalOnly implements the §4.5 "Local-only" branch.
func (e *Engine) syncLocalOnly(ctx context.Context, file vaultfile.File, fileInfo *store.FileInfo) (bool, error) {
	if !file.Modified() && fileInfo.ID == file.CacheId() {
		return false, nil
	}

	var (
		data    []byte
		dataErr error
	)

	file.GetData(func(d []byte, err error) { data, dataErr = d, err })

	if dataErr != nil {
		return false, dataErr
	}

	if _, err := e.backends.Cache().Save(ctx, fileInfo.ID, nil, data, ""); err != nil {
		return false, err
	}

	return true, nil
}

// syncRemote implements the §4.5 three-way state machine against a remote
// backend: stat → decide → load+merge or save.
func (e *Engine) syncRemote(
	ctx context.Context, file vaultfile.File, fileInfo *store.FileInfo,
	storage, path string, opts backend.Opts, remoteKey []byte,
) (bool, error) {
	be, ok := e.backends.Get(storage)
	if !ok {
		return false, fmt.Errorf("syncengine: unknown backend %q", storage)
	}

	stater, hasStat := be.(backend.Stater)
	if !hasStat {
		return false, fmt.Errorf("syncengine: backend %q does not support stat: %w", storage, vaulterrors.ErrUnsupported)
	}

	st, statErr := stater.Stat(ctx, path, opts)

	switch {
	case statErr != nil && vaulterrors.IsNotFound(statErr):
		return e.saveToCacheAndStorage(ctx, file, fileInfo, be, storage, path, opts, remoteKey, 0)
	case statErr != nil && file.Dirty():
		data, dataErr := e.getData(file)
		if dataErr != nil {
			return false, statErr
		}

		_, cacheErr := e.backends.Cache().Save(ctx, fileInfo.ID, nil, data, "")

		return cacheErr == nil, statErr
	case statErr != nil:
		return false, statErr
	case st.Rev == fileInfo.Rev && file.Modified():
		return e.saveToCacheAndStorage(ctx, file, fileInfo, be, storage, path, opts, remoteKey, 0)
	case st.Rev == fileInfo.Rev:
		return false, nil
	default:
		return e.loadAndMerge(ctx, file, fileInfo, be, storage, path, opts, remoteKey, 0)
	}
}

func (e *Engine) getData(file vaultfile.File) ([]byte, error) {
	var (
		data []byte
		err  error
	)

	file.GetData(func(d []byte, gdErr error) { data, err = d, gdErr })

	return data, err
}

// loadAndMerge implements the bounded LoadAndMerge branch. attempt is the
// number of load+merge cycles already performed (incremented, never reset,
// across a rev-conflict re-entry — §4.5 "Ordering/tie-breaks"). The rev
// recorded on fileInfo always comes from the Stat that Load itself returns
// alongside the merged bytes (§4.1), never from a separately-issued Stat —
// a conflict-retry re-stat could race with Load and tag fileInfo with a rev
// that does not describe what was actually merged (§8 invariant 1).
func (e *Engine) loadAndMerge(
	ctx context.Context, file vaultfile.File, fileInfo *store.FileInfo,
	be backend.Backend, storage, path string, opts backend.Opts, remoteKey []byte,
	attempt int,
) (bool, error) {
	if attempt >= maxLoadAttempts {
		return false, vaulterrors.ErrTooManyLoadAttempts
	}

	data, loadStat, err := be.Load(ctx, path, opts)
	if err != nil {
		return false, err
	}

	var mergeErr error

	file.MergeOrUpdate(data, remoteKey, func(err error) { mergeErr = err })

	if mergeErr != nil {
		if vaulterrors.IsInvalidKey(mergeErr) && e.events != nil {
			e.events.EmitRemoteKeyChanged(file)
		}

		return false, mergeErr
	}

	fileInfo.Rev = loadStat.Rev

	if e.events != nil {
		e.events.EmitRefresh()
	}

	switch {
	case file.Modified():
		return e.saveToCacheAndStorage(ctx, file, fileInfo, be, storage, path, opts, remoteKey, attempt+1)
	case file.Dirty():
		data, dataErr := e.getData(file)
		if dataErr != nil {
			return false, dataErr
		}

		_, cacheErr := e.backends.Cache().Save(ctx, fileInfo.ID, nil, data, "")

		return cacheErr == nil, cacheErr
	default:
		return false, nil
	}
}

// saveToCacheAndStorage implements the §4.5 SaveToCacheAndStorage branch.
func (e *Engine) saveToCacheAndStorage(
	ctx context.Context, file vaultfile.File, fileInfo *store.FileInfo,
	be backend.Backend, storage, path string, opts backend.Opts, remoteKey []byte, attempt int,
) (bool, error) {
	data, err := e.getData(file)
	if err != nil {
		return false, err
	}

	savedToCache := false

	if file.Dirty() {
		if _, cacheErr := e.backends.Cache().Save(ctx, fileInfo.ID, nil, data, ""); cacheErr != nil {
			e.logger.Warn("syncengine: cache write failed before storage save", slog.String("error", cacheErr.Error()))
		} else {
			savedToCache = true
			file.SetDirty(false)
		}
	}

	toCache, err := e.saveToStorage(ctx, file, fileInfo, be, storage, path, opts, remoteKey, attempt)

	return savedToCache || toCache, err
}

// saveToStorage implements the §4.5 SaveToStorage branch, re-entering
// LoadAndMerge on a revision conflict. remoteKey is threaded through from the
// sync's original Options so a key-rotation merge survives a conflict retry.
func (e *Engine) saveToStorage(
	ctx context.Context, file vaultfile.File, fileInfo *store.FileInfo,
	be backend.Backend, storage, path string, opts backend.Opts, remoteKey []byte, attempt int,
) (bool, error) {
	data, err := e.getData(file)
	if err != nil {
		return false, err
	}

	st, err := be.Save(ctx, path, opts, data, fileInfo.Rev)
	if err != nil {
		if vaulterrors.IsRevConflict(err) {
			return e.loadAndMerge(ctx, file, fileInfo, be, storage, path, opts, remoteKey, attempt)
		}

		return false, err
	}

	fileInfo.Rev = st.Rev

	if st.Path != "" {
		file.SetPath(st.Path)
		fileInfo.Path = st.Path
	}

	return false, nil
}

// complete implements the §4.5 completion contract terminator.
func (e *Engine) complete(
	ctx context.Context, file vaultfile.File, fileInfo *store.FileInfo,
	path, storage string, opts backend.Opts, syncErr error, savedToCache bool,
) {
	file.SetSyncComplete(path, storage, syncErr, savedToCache || syncErr == nil)
	file.SetCacheId(fileInfo.ID)
	file.SetRev(fileInfo.Rev)

	fileInfo.Name = file.Name()
	fileInfo.Storage = storage
	fileInfo.Path = path
	fileInfo.Opts = opts
	fileInfo.Modified = file.Modified()
	fileInfo.EditState = file.GetLocalEditState()
	fileInfo.SyncDate = file.SyncDate()

	if hash := file.GetKeyFileHash(); hash != "" {
		fileInfo.KeyFileHash = hash
	}

	e.registry.Unshift(fileInfo)

	if err := e.registry.Save(ctx); err != nil {
		e.logger.Warn("syncengine: persisting registry at sync completion failed", slog.String("error", err.Error()))
	}
}

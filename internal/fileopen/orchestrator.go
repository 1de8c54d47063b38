// Package fileopen implements the Open Orchestrator (§4.4): the decision
// tree that resolves an open request to either a cache load, a backend
// load, or a fresh file, then performs the post-open registry/watch wiring.
//
// The original spec frames every step with an async completion callback;
// translated to idiomatic Go this becomes a single blocking call returning
// (*Result, error) — there is no thread to hand a callback to, since the
// engine's single-threaded model (§5) is expressed here as "the caller's
// own goroutine does the work", grounded in how the teacher's
// internal/sync.Engine.RunOnce returns a result rather than invoking a
// callback.
package fileopen

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vaultsync/vaultsync/internal/backend"
	"github.com/vaultsync/vaultsync/internal/store"
	"github.com/vaultsync/vaultsync/internal/vaulterrors"
	"github.com/vaultsync/vaultsync/internal/vaultfile"
)

// OpenSet tracks which file ids are currently open, for the duplicate
// detection check in the post-open actions. Implementations are expected to
// be safe for concurrent use (the controller's set may be touched by
// independent per-file sync goroutines, §5 "independent files may sync
// concurrently").
type OpenSet interface {
	// Add registers id as open. Returns false if id was already present.
	Add(id string) bool
}

// SyncScheduler enqueues an asynchronous sync, deferred to the engine's next
// scheduling turn (§4.4 clause 2). It never runs file on the caller's own
// goroutine synchronously — that would re-enter the single-threaded
// scheduling model mid-open.
type SyncScheduler interface {
	ScheduleSync(file vaultfile.File)
}

// Request is an open request (§4.4).
type Request struct {
	ID          string
	Storage     string
	Name        string
	Path        string
	Opts        backend.Opts
	Rev         string
	Password    string
	KeyFileData []byte
	FileData    []byte
}

// Result is what a successful Open produces.
type Result struct {
	File     vaultfile.File
	FileInfo *store.FileInfo
}

// Orchestrator implements the §4.4 algorithm.
type Orchestrator struct {
	backends      *backend.Registry
	registry      *store.Registry
	openSet       OpenSet
	scheduler     SyncScheduler
	newFile       func() vaultfile.File
	watchDebounce time.Duration
	logger        *slog.Logger
}

func nowUnixNano() int64 { return time.Now().UnixNano() }

// New constructs an Orchestrator. newFile builds an empty, unopened File
// (vaultfile.NewEmptyFile in the reference implementation; a real build
// substitutes its own decryption engine here).
func New(
	backends *backend.Registry,
	registry *store.Registry,
	openSet OpenSet,
	scheduler SyncScheduler,
	newFile func() vaultfile.File,
	watchDebounce time.Duration,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		backends:      backends,
		registry:      registry,
		openSet:       openSet,
		scheduler:     scheduler,
		newFile:       newFile,
		watchDebounce: watchDebounce,
		logger:        logger,
	}
}

// Open resolves req per the §4.4 decision tree (first matching clause
// wins), then performs the post-open registry/watch wiring.
func (o *Orchestrator) Open(ctx context.Context, req Request) (*Result, error) {
	fileInfo := o.resolveFileInfo(req)

	if req.Opts == nil && fileInfo != nil && fileInfo.Opts != nil {
		req.Opts = fileInfo.Opts
	}

	file, fromCache, err := o.resolveBytes(ctx, req, fileInfo)
	if err != nil {
		return nil, err
	}

	if o.openSet != nil && !o.openSet.Add(file.Id()) {
		return nil, vaulterrors.ErrDuplicateFileID
	}

	result := o.postOpen(req, fileInfo, file)

	// Clause 3 caches the supplied bytes under the FileInfo id bound in
	// postOpen, the key every later cache load uses.
	if fromCache == clauseSuppliedBytes {
		if _, saveErr := o.backends.Cache().Save(ctx, result.FileInfo.ID, nil, req.FileData, ""); saveErr != nil {
			o.logger.Warn("fileopen: caching supplied bytes failed", slog.String("error", saveErr.Error()))
		}
	}

	if (fromCache == clauseModifiedCache || fromCache == clauseOtherwise) && o.scheduler != nil {
		o.scheduler.ScheduleSync(file)
	}

	return result, nil
}

func (o *Orchestrator) resolveFileInfo(req Request) *store.FileInfo {
	if req.ID != "" {
		if fi, ok := o.registry.Get(req.ID); ok {
			return fi
		}
	}

	if fi, ok := o.registry.GetMatch(req.Storage, req.Name, req.Path); ok {
		return fi
	}

	return nil
}

type openClause int

const (
	clauseNone openClause = iota
	clauseModifiedCache
	clauseSuppliedBytes
	clauseLocalOnly
	clauseFreshCache
	clauseFirstTimeOrFile
	clauseOtherwise
)

// resolveBytes runs clauses 2-7 and returns the opened file plus which
// clause fired. Open uses this to decide whether to schedule a deferred
// sync (clauseModifiedCache, clauseOtherwise) once the file has survived
// the duplicate-id check.
func (o *Orchestrator) resolveBytes(ctx context.Context, req Request, fileInfo *store.FileInfo) (vaultfile.File, openClause, error) {
	// Clause 2: modified cache path.
	if fileInfo != nil && fileInfo.Modified {
		file, err := o.openFromCache(req, fileInfo)
		return file, clauseModifiedCache, err
	}

	// Clause 3: supplied bytes.
	if req.FileData != nil {
		file, err := o.openWith(req, req.FileData)
		if err != nil {
			return nil, clauseSuppliedBytes, err
		}

		return file, clauseSuppliedBytes, nil
	}

	// Clause 4: local-only. Implemented literally per §9 Open Question 1 —
	// this checks req.Storage only, not fileInfo.Storage, even though a
	// fileInfo for a remote-bound file could exist under the same
	// name/path triple. Do not "fix" this without product sign-off.
	if req.Storage == "" {
		file, err := o.openFromCache(req, fileInfo)
		return file, clauseLocalOnly, err
	}

	// Clause 5: fresh cache.
	if fileInfo != nil && fileInfo.Rev == req.Rev && req.Rev != "" && fileInfo.Storage != "file" {
		file, err := o.openFromCache(req, fileInfo)
		return file, clauseFreshCache, err
	}

	// Clause 6: first-time open, or storage == "file" (no cached rev can be
	// trusted).
	if fileInfo == nil || req.Storage == "file" {
		file, err := o.openFirstTime(ctx, req, fileInfo)
		return file, clauseFirstTimeOrFile, err
	}

	// Clause 7: otherwise — cached but possibly stale. The background sync
	// is scheduled by Open(), after the duplicate-id check, not here — a
	// duplicate open must not schedule a sync for a File it is about to
	// reject and discard.
	file, err := o.openFromCache(req, fileInfo)
	if err != nil {
		return nil, clauseOtherwise, err
	}

	return file, clauseOtherwise, nil
}

func (o *Orchestrator) openFromCache(req Request, fileInfo *store.FileInfo) (vaultfile.File, error) {
	if fileInfo == nil {
		return nil, fmt.Errorf("fileopen: no cached entry to open %q from", req.Name)
	}

	data, _, err := o.backends.Cache().Load(context.Background(), fileInfo.ID, nil)
	if err != nil {
		return nil, fmt.Errorf("fileopen: loading cache for %q: %w", fileInfo.ID, err)
	}

	return o.openWith(req, data)
}

func (o *Orchestrator) openFirstTime(ctx context.Context, req Request, fileInfo *store.FileInfo) (vaultfile.File, error) {
	be, ok := o.backends.Get(req.Storage)
	if !ok {
		return nil, fmt.Errorf("fileopen: unknown backend %q", req.Storage)
	}

	path := o.resolvePath(be, req)

	if fileInfo != nil && fileInfo.Rev != "" {
		if stater, ok := be.(backend.Stater); ok {
			st, statErr := stater.Stat(ctx, path, req.Opts)
			if statErr != nil || st.Rev == fileInfo.Rev {
				return o.openFromCache(req, fileInfo)
			}
			// Only a changed rev falls through to a direct backend load,
			// per §4.4 clause 6.
		}
	}

	data, _, err := be.Load(ctx, path, req.Opts)
	if err != nil {
		if fileInfo != nil {
			return o.openFromCache(req, fileInfo)
		}

		return nil, fmt.Errorf("fileopen: loading %q from backend %q: %w", path, req.Storage, err)
	}

	return o.openWith(req, data)
}

func (o *Orchestrator) resolvePath(be backend.Backend, req Request) string {
	if req.Path != "" {
		return req.Path
	}

	if namer, ok := be.(backend.PathNamer); ok {
		return namer.GetPathForName(req.Name)
	}

	return req.Name
}

func (o *Orchestrator) openWith(req Request, data []byte) (vaultfile.File, error) {
	file := o.newFile()

	var openErr error

	file.Open(req.Password, data, req.KeyFileData, func(err error) { openErr = err })

	if openErr != nil {
		return nil, openErr
	}

	return file, nil
}

// postOpen performs the §4.4 post-open actions: attach cacheId, translate
// opts, insert-at-head in the registry, persist it, and start a debounced
// watch for local-storage files.
func (o *Orchestrator) postOpen(req Request, fileInfo *store.FileInfo, file vaultfile.File) *Result {
	cacheID := req.ID
	if cacheID == "" && fileInfo != nil {
		cacheID = fileInfo.ID
	}

	if cacheID == "" {
		cacheID = uuid.NewString()
	}

	file.SetCacheId(cacheID)
	file.SetStorage(req.Storage)
	file.SetPath(req.Path)
	file.SetName(req.Name)

	opts := req.Opts
	if be, ok := o.backends.Get(req.Storage); ok {
		if translator, ok := be.(backend.OptsTranslator); ok {
			opts = translator.StoreOptsToFileOpts(opts)
		}
	}

	file.SetOpts(opts)

	updated := &store.FileInfo{
		ID:       cacheID,
		Name:     req.Name,
		Storage:  req.Storage,
		Path:     req.Path,
		Opts:     req.Opts,
		Rev:      file.Rev(),
		Modified: file.Modified(),
		SyncDate: file.SyncDate(),
		OpenDate: nowUnixNano(),
	}

	if fileInfo != nil {
		updated.Rev = fileInfo.Rev
		updated.KeyFileName = fileInfo.KeyFileName
		updated.KeyFileHash = fileInfo.KeyFileHash
	}

	o.registry.Unshift(updated)

	if err := o.registry.Save(context.Background()); err != nil {
		o.logger.Warn("fileopen: persisting registry after open failed", slog.String("error", err.Error()))
	}

	if req.Storage == "file" {
		if watcher, ok := o.backends.Get("file"); ok {
			if w, ok := watcher.(backend.Watcher); ok {
				if err := w.Watch(req.Path, func(string) {
					if o.scheduler != nil {
						o.scheduler.ScheduleSync(file)
					}
				}); err != nil {
					o.logger.Warn("fileopen: starting watch failed", slog.String("error", err.Error()))
				}
			}
		}
	}

	return &Result{File: file, FileInfo: updated}
}

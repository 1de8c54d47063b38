package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/vaultsync/vaultsync/internal/backend"
	"github.com/vaultsync/vaultsync/internal/config"
	"github.com/vaultsync/vaultsync/internal/fileopen"
	"github.com/vaultsync/vaultsync/internal/store"
	"github.com/vaultsync/vaultsync/internal/syncengine"
	"github.com/vaultsync/vaultsync/internal/vaulterrors"
	"github.com/vaultsync/vaultsync/internal/vaultfile"
)

// Backoff durations applied to the watcher-triggered background sync after
// consecutive failures against the same backend, so an unreachable remote
// doesn't get hammered on every debounced file-change notification. Carried
// from the teacher's drive_runner.go consecutive-failure ladder (SPEC_FULL.md
// "Supplemented features") and retargeted at a single file instead of a
// drive.
const (
	backoffThreshold = 3
	backoffMaxCap    = 1 * time.Hour
)

var backoffSteps = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	backoffMaxCap,
}

func backoffDuration(failures int) time.Duration {
	if failures < backoffThreshold {
		return 0
	}

	idx := failures - backoffThreshold
	if idx >= len(backoffSteps) {
		return backoffMaxCap
	}

	return backoffSteps[idx]
}

// OpenFile pairs an opened File with the FileInfo record the controller
// resolved or created for it, for callers that need both (e.g. the CLI's
// `open` command).
type OpenFile struct {
	File     vaultfile.File
	FileInfo *store.FileInfo
}

// Controller is the Application Controller (§4.6): the glue holding the
// open-file set, the registry handle, and the settings reference, routing
// requests to the Open Orchestrator (C4) and Sync State Machine (C5).
type Controller struct {
	mu sync.Mutex

	backends     *backend.Registry
	registry     *store.Registry
	orchestrator *fileopen.Orchestrator
	engine       *syncengine.Engine
	events       EventPort
	cfg          *config.Holder
	logger       *slog.Logger

	openIDs   mapset.Set[string]
	openFiles map[string]vaultfile.File

	failures map[string]int // consecutive background-sync failures, keyed by cacheId
}

// openSetAdapter satisfies fileopen.OpenSet over the controller's own
// open-id set, so the orchestrator's duplicate-id check (§4.4 "Duplicate
// detection") and the controller's own bookkeeping share one source of
// truth.
type openSetAdapter struct{ c *Controller }

func (a openSetAdapter) Add(id string) bool {
	return a.c.openIDs.Add(id)
}

// New constructs a Controller. newFile builds an empty, unopened File for
// every open request; a production build substitutes its own decryption
// engine here (vaultfile.NewEmptyFile in the reference implementation).
func New(
	backends *backend.Registry,
	registry *store.Registry,
	events EventPort,
	cfg *config.Holder,
	newFile func() vaultfile.File,
	logger *slog.Logger,
) *Controller {
	if events == nil {
		events = NullEventPort{}
	}

	if logger == nil {
		logger = slog.Default()
	}

	c := &Controller{
		backends:  backends,
		registry:  registry,
		events:    events,
		cfg:       cfg,
		logger:    logger,
		openIDs:   mapset.NewSet[string](),
		openFiles: make(map[string]vaultfile.File),
		failures:  make(map[string]int),
	}

	debounce := time.Duration(cfg.Config().Watch.FileChangeSyncMS) * time.Millisecond

	c.orchestrator = fileopen.New(backends, registry, openSetAdapter{c}, c, newFile, debounce, logger)
	c.engine = syncengine.New(backends, registry, syncEventAdapter{events}, logger)

	return c
}

// syncEventAdapter narrows EventPort to the syncengine.EventEmitter slice
// the engine needs (§9 Design Note "Event bus → explicit ports").
type syncEventAdapter struct{ events EventPort }

func (a syncEventAdapter) EmitRefresh()                             { a.events.EmitRefresh() }
func (a syncEventAdapter) EmitRemoteKeyChanged(file vaultfile.File) { a.events.EmitRemoteKeyChanged(file) }

// ScheduleSync implements fileopen.SyncScheduler (§4.4 clause 2 and clause
// 7's deferred background sync). It runs the sync on its own goroutine so
// the caller of Open never blocks on it, applying the consecutive-failure
// backoff ladder before retrying a file whose backend has been unreachable.
func (c *Controller) ScheduleSync(file vaultfile.File) {
	go func() {
		id := file.CacheId()

		c.mu.Lock()
		wait := backoffDuration(c.failures[id])
		c.mu.Unlock()

		if wait > 0 {
			time.Sleep(wait)
		}

		err := c.engine.Sync(context.Background(), file, syncengine.Options{})

		c.mu.Lock()
		if err != nil {
			c.failures[id]++
			c.logger.Warn("controller: background sync failed",
				slog.String("file_id", id), slog.Int("consecutive_failures", c.failures[id]),
				slog.String("error", err.Error()))
		} else {
			delete(c.failures, id)
		}
		c.mu.Unlock()
	}()
}

// OpenFile routes an open request through the Open Orchestrator (§4.4) and
// registers the resulting file in the open set.
func (c *Controller) OpenFile(ctx context.Context, req fileopen.Request) (*OpenFile, error) {
	result, err := c.orchestrator.Open(ctx, req)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.openFiles[result.File.Id()] = result.File
	c.mu.Unlock()

	c.events.EmitRefresh()

	return &OpenFile{File: result.File, FileInfo: result.FileInfo}, nil
}

// CreateNewFile opens a brand-new, empty database — an Open call that
// supplies an empty byte payload, so unless a matching FileInfo is marked
// modified it takes §4.4 clause 3 (supplied bytes), and the File turns the
// empty payload into a new database.
func (c *Controller) CreateNewFile(ctx context.Context, req fileopen.Request) (*OpenFile, error) {
	req.FileData = []byte{}
	return c.OpenFile(ctx, req)
}

// CreateDemoFile creates the engine's no-op demo file (§4.5 "file.demo →
// succeed immediately"). A demo file is registered in the open set but
// never touches the registry or cache — it exists purely so the UI can be
// exercised without a real database.
func (c *Controller) CreateDemoFile() (*OpenFile, error) {
	file := vaultfile.NewDemoFile()

	c.mu.Lock()
	added := c.openIDs.Add(file.Id())
	if added {
		c.openFiles[file.Id()] = file
	}
	c.mu.Unlock()

	if !added {
		return nil, vaulterrors.ErrDuplicateFileID
	}

	c.events.EmitRefresh()

	return &OpenFile{File: file}, nil
}

// ImportFileWithXml initializes a file from a cleartext XML export and adds
// it to the open set. Unlike Open, it creates no FileInfo registry entry and
// binds no cacheId; the file's first sync does that. Per §9 Open Question 2, the
// success callback is always invoked — the original's apparent omission is
// treated as a bug, not an intentional design.
func (c *Controller) ImportFileWithXml(name string, xml []byte, cb vaultfile.OpenCallback) {
	file := vaultfile.NewEmptyFile()

	file.ImportWithXML(xml, func(err error) {
		if err != nil {
			cb(err)
			return
		}

		file.SetName(name)

		c.mu.Lock()
		added := c.openIDs.Add(file.Id())
		if added {
			c.openFiles[file.Id()] = file
		}
		c.mu.Unlock()

		if !added {
			cb(vaulterrors.ErrDuplicateFileID)
			return
		}

		c.events.EmitRefresh()
		cb(nil)
	})
}

// SyncFile runs one reconciliation cycle for the open file with the given
// id (§4.5). It is the synchronous counterpart to ScheduleSync, used by the
// CLI's `sync` command and by explicit "save as" requests.
func (c *Controller) SyncFile(ctx context.Context, id string, opts syncengine.Options) error {
	c.mu.Lock()
	file, ok := c.openFiles[id]
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("controller: %q is not open", id)
	}

	err := c.engine.Sync(ctx, file, opts)

	c.events.EmitRefresh()

	return err
}

// CloseFile removes id from the open set, releasing its file-watcher if the
// backend supports one (§3 "Lifecycle": "closed (removed from set;
// file-watcher released for local storage)").
func (c *Controller) CloseFile(id string) error {
	c.mu.Lock()
	file, ok := c.openFiles[id]
	if ok {
		delete(c.openFiles, id)
		c.openIDs.Remove(id)
		delete(c.failures, file.CacheId())
	}
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("controller: %q is not open", id)
	}

	if file.Storage() == "file" {
		if be, ok := c.backends.Get("file"); ok {
			if watcher, ok := be.(backend.Watcher); ok {
				if err := watcher.Unwatch(file.Path()); err != nil {
					c.logger.Warn("controller: unwatching on close failed", slog.String("error", err.Error()))
				}
			}
		}
	}

	file.Close()

	c.events.EmitRefresh()

	return nil
}

// CloseAllFiles closes every currently open file concurrently — CloseFile
// touches no registry state and updates the open set and failure counts
// under the controller's own lock, so fanning the close calls out is safe
// (mirrors the teacher's per-drive DriveRunner isolation).
// Errors from individual closes are aggregated rather than short-circuiting
// the rest.
func (c *Controller) CloseAllFiles() error {
	c.mu.Lock()
	ids := make([]string, 0, len(c.openFiles))
	for id := range c.openFiles {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	var g errgroup.Group

	var (
		mu   sync.Mutex
		errs error
	)

	for _, id := range ids {
		id := id

		g.Go(func() error {
			if err := c.CloseFile(id); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}

			return nil
		})
	}

	_ = g.Wait()

	return errs
}

// RemoveFileInfo deletes a FileInfo record from the registry without
// requiring the file to be open (§4.2 "remove(id)"), and persists the
// registry.
func (c *Controller) RemoveFileInfo(ctx context.Context, id string) error {
	c.registry.Remove(id)
	return c.registry.Save(ctx)
}

// ClearStoredKeyFiles strips key_file_name/key_file_hash from every FileInfo
// record, honoring a user request to forget remembered key files
// independent of the `key_files.remember` config toggle (§3 "stored only
// when remember key files is enabled").
func (c *Controller) ClearStoredKeyFiles(ctx context.Context) error {
	for _, fi := range c.registry.List() {
		if fi.KeyFileName == "" && fi.KeyFileHash == "" {
			continue
		}

		fi.KeyFileName = ""
		fi.KeyFileHash = ""
		c.registry.Unshift(fi)
	}

	return c.registry.Save(ctx)
}

// HandleRefresh, HandleSetFilter, HandleAddFilter, HandleSetSort, and
// HandleEmptyTrash implement Listener (§6 "Listens: refresh, set-filter,
// add-filter, set-sort, empty-trash"). The filter/sort/entries projection
// and trash domain model are external collaborators (spec §1) — the
// controller only routes the request to the relevant open File and
// re-emits refresh/filter, never interpreting the projection itself.
func (c *Controller) HandleRefresh() {
	c.events.EmitRefresh()
}

func (c *Controller) HandleSetFilter(filter string) {
	c.events.EmitFilter(FilterState{Filter: filter})
}

func (c *Controller) HandleAddFilter(filter string) {
	c.events.EmitFilter(FilterState{Filter: filter})
}

func (c *Controller) HandleSetSort(sort string) {
	c.events.EmitFilter(FilterState{Sort: sort})
}

func (c *Controller) HandleEmptyTrash(fileID string) {
	c.mu.Lock()
	file, ok := c.openFiles[fileID]
	c.mu.Unlock()

	if !ok {
		return
	}

	file.EmptyTrash()
	c.events.EmitRefresh()
}

// OpenFiles returns a snapshot of the currently open files, in no
// particular order.
func (c *Controller) OpenFiles() []vaultfile.File {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]vaultfile.File, 0, len(c.openFiles))
	for _, f := range c.openFiles {
		out = append(out, f)
	}

	return out
}

var _ Listener = (*Controller)(nil)

package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/gofrs/flock"

	"github.com/vaultsync/vaultsync/internal/vaulterrors"
)

// Cache is the always-present content-addressed backend (§4.1): it stores
// the most recently written serialized bytes for a file, keyed by FileInfo
// id. It never fails due to conflict (expectedRev is ignored — Cache has no
// revision concept of its own), only due to local I/O.
//
// An in-memory LRU layer (github.com/hashicorp/golang-lru/v2) fronts the
// on-disk files to avoid re-reading bytes on repeated GetMatch/open hot
// paths; a per-directory flock (github.com/gofrs/flock) guards writes
// against a second vaultsync process racing on the same cache directory.
type Cache struct {
	dir          string
	hot          *lru.Cache[string, []byte]
	lock         *flock.Flock
	logger       *slog.Logger
	maxDiskBytes int64
}

// NewCache creates a Cache rooted at dir, with an in-memory hot layer of at
// most maxHotEntries most-recently-used blobs. maxHotEntries <= 0 disables
// the hot layer (every read hits disk). maxDiskBytes <= 0 means unlimited;
// otherwise every Save evicts the least-recently-written blobs (by mtime)
// until the directory's total size is back under budget, the content-
// addressed analog of the hot layer's LRU eviction (config.CacheConfig's
// max_disk_size, parsed via config.ParseSize).
func NewCache(dir string, maxHotEntries int, maxDiskBytes int64, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("backend: creating cache dir %s: %w", dir, err)
	}

	var hot *lru.Cache[string, []byte]

	if maxHotEntries > 0 {
		c, err := lru.New[string, []byte](maxHotEntries)
		if err != nil {
			return nil, fmt.Errorf("backend: creating cache LRU: %w", err)
		}

		hot = c
	}

	return &Cache{
		dir:          dir,
		hot:          hot,
		lock:         flock.New(filepath.Join(dir, ".lock")),
		logger:       logger,
		maxDiskBytes: maxDiskBytes,
	}, nil
}

func (c *Cache) blobPath(id string) string {
	return filepath.Join(c.dir, id)
}

// Load reads the cached bytes for id (passed as path — the cache is keyed
// by FileInfo id, not a filesystem path). Returns ErrNotFound if nothing has
// ever been cached under id.
func (c *Cache) Load(_ context.Context, id string, _ Opts) ([]byte, Stat, error) {
	if c.hot != nil {
		if data, ok := c.hot.Get(id); ok {
			return data, Stat{}, nil
		}
	}

	data, err := os.ReadFile(c.blobPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, Stat{}, vaulterrors.NewNotFound(vaulterrors.KindCache, "cache", id)
		}

		return nil, Stat{}, &vaulterrors.StorageError{Kind: vaulterrors.KindCache, Backend: "cache", Path: id, Err: err}
	}

	if c.hot != nil {
		c.hot.Add(id, data)
	}

	return data, Stat{}, nil
}

// Save writes data under id, taking the cache directory's cross-process lock
// for the duration of the write. expectedRev is ignored: the cache never
// conflicts (§4.1).
func (c *Cache) Save(_ context.Context, id string, _ Opts, data []byte, _ string) (Stat, error) {
	if err := c.lock.Lock(); err != nil {
		return Stat{}, &vaulterrors.StorageError{Kind: vaulterrors.KindCache, Backend: "cache", Path: id, Err: err}
	}

	defer func() {
		if unlockErr := c.lock.Unlock(); unlockErr != nil {
			c.logger.Warn("backend: cache unlock failed", slog.String("error", unlockErr.Error()))
		}
	}()

	if err := os.WriteFile(c.blobPath(id), data, 0o600); err != nil {
		return Stat{}, &vaulterrors.StorageError{Kind: vaulterrors.KindCache, Backend: "cache", Path: id, Err: err}
	}

	if c.hot != nil {
		c.hot.Add(id, data)
	}

	c.evictIfOverBudget()

	return Stat{}, nil
}

// evictIfOverBudget removes the least-recently-written blobs until the
// cache directory's total size is at or under maxDiskBytes. A no-op when
// maxDiskBytes <= 0 (unlimited).
func (c *Cache) evictIfOverBudget() {
	if c.maxDiskBytes <= 0 {
		return
	}

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		c.logger.Warn("backend: cache eviction scan failed", slog.String("error", err.Error()))
		return
	}

	type blob struct {
		id      string
		size    int64
		modTime time.Time
	}

	var (
		blobs []blob
		total int64
	)

	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == ".lock" {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		blobs = append(blobs, blob{id: entry.Name(), size: info.Size(), modTime: info.ModTime()})
		total += info.Size()
	}

	if total <= c.maxDiskBytes {
		return
	}

	sort.Slice(blobs, func(i, j int) bool { return blobs[i].modTime.Before(blobs[j].modTime) })

	for _, b := range blobs {
		if total <= c.maxDiskBytes {
			break
		}

		if err := c.Remove(b.id); err != nil {
			c.logger.Warn("backend: evicting cache blob failed", slog.String("id", b.id), slog.String("error", err.Error()))
			continue
		}

		total -= b.size
	}
}

// Remove deletes the cached bytes for id, if present. Not an error if absent.
func (c *Cache) Remove(id string) error {
	if c.hot != nil {
		c.hot.Remove(id)
	}

	if err := os.Remove(c.blobPath(id)); err != nil && !os.IsNotExist(err) {
		return &vaulterrors.StorageError{Kind: vaulterrors.KindCache, Backend: "cache", Path: id, Err: err}
	}

	return nil
}

// Has reports whether id currently has a cached blob, without reading it.
func (c *Cache) Has(id string) bool {
	if c.hot != nil {
		if _, ok := c.hot.Peek(id); ok {
			return true
		}
	}

	_, err := os.Stat(c.blobPath(id))
	return err == nil
}

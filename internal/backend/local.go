package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vaultsync/vaultsync/internal/vaulterrors"
)

// Local is the "file" storage backend: the encrypted database lives as a
// plain file on the local filesystem. It has no meaningful revision concept
// (Stat always returns the file's mtime-derived rev so callers can at least
// detect external changes) and its only real capability beyond Load/Save is
// Watch, debounced per watch.file_change_sync_ms (§5).
type Local struct {
	logger      *slog.Logger
	debounce    time.Duration
	mu          sync.Mutex
	watchers    map[string]*fsnotify.Watcher
	debounceMap map[string]*time.Timer
}

// NewLocal creates a Local backend. debounce is the minimum quiet period
// after a filesystem event before the watch callback fires (FileChangeSync).
func NewLocal(debounce time.Duration, logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}

	return &Local{
		logger:      logger,
		debounce:    debounce,
		watchers:    make(map[string]*fsnotify.Watcher),
		debounceMap: make(map[string]*time.Timer),
	}
}

// Load reads path from disk. Stat.Rev is the file's modification time as
// RFC3339Nano, which is sufficient for the engine's equality-only rev usage.
func (l *Local) Load(_ context.Context, path string, _ Opts) ([]byte, Stat, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, Stat{}, vaulterrors.NewNotFound(vaulterrors.KindStorageLoad, "file", path)
		}

		return nil, Stat{}, &vaulterrors.StorageError{Kind: vaulterrors.KindStorageLoad, Backend: "file", Path: path, Err: err}
	}

	st, err := l.statFile(path)
	if err != nil {
		return data, Stat{}, nil //nolint:nilerr // best-effort rev; bytes already read successfully
	}

	return data, st, nil
}

// Save writes data to path, creating parent directories as needed. The
// local backend never rejects on expectedRev mismatch — a single user's own
// filesystem has no concurrent writer to conflict with (§4.1 treats this as
// an always-available, conflict-free backend alongside cache).
func (l *Local) Save(_ context.Context, path string, _ Opts, data []byte, _ string) (Stat, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return Stat{}, &vaulterrors.StorageError{Kind: vaulterrors.KindStorageSave, Backend: "file", Path: path, Err: err}
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return Stat{}, &vaulterrors.StorageError{Kind: vaulterrors.KindStorageSave, Backend: "file", Path: path, Err: err}
	}

	return l.statFile(path)
}

// Stat returns the file's current revision without reading its contents.
func (l *Local) Stat(_ context.Context, path string, _ Opts) (Stat, error) {
	return l.statFile(path)
}

func (l *Local) statFile(path string) (Stat, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Stat{}, vaulterrors.NewNotFound(vaulterrors.KindStorageStat, "file", path)
		}

		return Stat{}, &vaulterrors.StorageError{Kind: vaulterrors.KindStorageStat, Backend: "file", Path: path, Err: err}
	}

	return Stat{Rev: info.ModTime().UTC().Format(time.RFC3339Nano)}, nil
}

// GetPathForName returns name unchanged — local paths are already
// filesystem paths, there is no name-to-path convention to apply.
func (l *Local) GetPathForName(name string) string {
	return name
}

// Watch starts an fsnotify watch on path, invoking cb after debounce once
// events have quieted down (§5, §8 property 6: N notifications within
// FileChangeSync ms produce exactly one callback).
func (l *Local) Watch(path string, cb ChangeFunc) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.watchers[path]; exists {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("backend: creating watcher for %s: %w", path, err)
	}

	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("backend: watching %s: %w", path, err)
	}

	l.watchers[path] = w

	go l.watchLoop(path, w, cb)

	return nil
}

// Unwatch stops the fsnotify watch on path and releases its resources.
func (l *Local) Unwatch(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, exists := l.watchers[path]
	if !exists {
		return nil
	}

	delete(l.watchers, path)

	if t, ok := l.debounceMap[path]; ok {
		t.Stop()
		delete(l.debounceMap, path)
	}

	return w.Close()
}

// watchLoop processes fsnotify events for path, debouncing into cb calls.
func (l *Local) watchLoop(path string, w *fsnotify.Watcher, cb ChangeFunc) {
	base := filepath.Base(path)

	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return
			}

			if filepath.Base(event.Name) != base {
				continue
			}

			l.scheduleDebounced(path, cb)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}

			l.logger.Warn("backend: watch error", slog.String("path", path), slog.String("error", err.Error()))
		}
	}
}

// scheduleDebounced (re)arms the debounce timer for path. Repeated calls
// within the debounce window coalesce into a single cb invocation.
func (l *Local) scheduleDebounced(path string, cb ChangeFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if t, ok := l.debounceMap[path]; ok {
		t.Stop()
	}

	l.debounceMap[path] = time.AfterFunc(l.debounce, func() {
		cb(path)
	})
}

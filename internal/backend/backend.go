// Package backend implements the Storage Backend Interface (§4.1): a
// uniform stat/load/save/watch contract over heterogeneous storage
// providers (local filesystem, a generic HTTP-based cloud provider, and an
// always-present content-addressed cache), looked up by tag the way the
// teacher looks up drives by canonical id.
package backend

import "context"

// Stat describes a backend's view of an object's revision.
type Stat struct {
	// Rev is an opaque, equality-comparable revision token. Its absence
	// (empty string) means "unknown, always reload" (§6).
	Rev string
	// Path is set by Save when the backend remaps the path on write
	// (e.g. name-mangling); empty means the path is unchanged.
	Path string
}

// Opts is the opaque, backend-specific option bag threaded between a
// FileInfo record and a Backend. The engine never interprets its contents.
type Opts map[string]string

// Backend is the capability contract every storage provider satisfies.
// Optional capabilities (Stat, Watch, GetPathForName, opts translators) are
// represented as separate interfaces; callers type-assert to discover them,
// exactly as the teacher type-asserts *graph.Client for SessionUploader and
// RangeDownloader in internal/driveops/interfaces.go.
type Backend interface {
	// Load fetches the raw bytes at path.
	Load(ctx context.Context, path string, opts Opts) ([]byte, Stat, error)
	// Save writes bytes at path. If expectedRev is non-empty, the backend
	// MUST reject the write with an error satisfying vaulterrors.IsRevConflict
	// when its current revision does not match. A zero-value expectedRev
	// means "no conflict check" (first-time save).
	Save(ctx context.Context, path string, opts Opts, data []byte, expectedRev string) (Stat, error)
}

// Stater is the optional stat capability. A backend error from Stat MAY
// satisfy vaulterrors.IsNotFound.
type Stater interface {
	Stat(ctx context.Context, path string, opts Opts) (Stat, error)
}

// PathNamer is the optional name-to-path convention capability.
type PathNamer interface {
	GetPathForName(name string) string
}

// ChangeFunc is invoked by a Watcher when path changes. Callbacks MUST be
// debounced by the caller (the local-storage engine wiring does this; see
// internal/backend/local.go).
type ChangeFunc func(path string)

// Watcher is the optional change-notification capability (local filesystem
// in practice; the cloud backend also implements it over a websocket feed).
type Watcher interface {
	Watch(path string, cb ChangeFunc) error
	Unwatch(path string) error
}

// OptsTranslator is the optional bidirectional opts-translation capability
// between in-memory file opts and the opts persisted in a FileInfo record.
type OptsTranslator interface {
	FileOptsToStoreOpts(opts Opts) Opts
	StoreOptsToFileOpts(opts Opts) Opts
}

// Registry looks up a Backend by storage tag, generalizing the teacher's
// dynamic lookup-by-string into a typed map (Design Note 4 of SPEC_FULL.md).
type Registry struct {
	backends map[string]Backend
}

// NewRegistry creates an empty Registry. The caller MUST register a "cache"
// backend — the engine treats its absence as a programmer error.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register adds or replaces the backend for tag.
func (r *Registry) Register(tag string, b Backend) {
	r.backends[tag] = b
}

// Get returns the backend for tag, or (nil, false) if none is registered.
func (r *Registry) Get(tag string) (Backend, bool) {
	b, ok := r.backends[tag]
	return b, ok
}

// Cache returns the always-present cache backend. Panics if none was
// registered — callers construct the engine via a single wiring path that
// always registers one (see cmd's root wiring).
func (r *Registry) Cache() Backend {
	b, ok := r.backends["cache"]
	if !ok {
		panic("backend: no cache backend registered")
	}

	return b
}

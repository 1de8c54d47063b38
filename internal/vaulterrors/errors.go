// Package vaulterrors defines the error kinds shared across the sync engine
// (§7): sentinel errors for errors.Is discrimination, plus a wrapping type
// carrying the backend/path/kind context a caller needs to react correctly.
package vaulterrors

import (
	"errors"
	"fmt"
)

// Sentinel errors. Backends and the engine wrap these with StorageError (or
// return them directly) so callers can discriminate with errors.Is.
var (
	// ErrNotFound indicates a stat/load target does not exist at the backend.
	ErrNotFound = errors.New("vaultsync: not found")
	// ErrRevConflict indicates a save was rejected because expectedRev did not
	// match the backend's current revision. Expected during concurrent edits;
	// triggers a load+merge retry rather than surfacing to the caller.
	ErrRevConflict = errors.New("vaultsync: revision conflict")
	// ErrInvalidKey indicates File.MergeOrUpdate failed because the remote
	// bytes were encrypted with a different key than the local file.
	ErrInvalidKey = errors.New("vaultsync: invalid key")
	// ErrDuplicateFileID indicates an open was rejected because a file with
	// the same content-derived id is already in the open set.
	ErrDuplicateFileID = errors.New("vaultsync: duplicate file id")
	// ErrSyncInProgress indicates a sync was rejected because the file's
	// syncing flag was already set.
	ErrSyncInProgress = errors.New("vaultsync: sync in progress")
	// ErrTooManyLoadAttempts indicates the load+merge retry loop exceeded its
	// bound (3 attempts) without a successful save.
	ErrTooManyLoadAttempts = errors.New("vaultsync: too many load attempts")
	// ErrUnsupported indicates a backend was asked to perform a capability it
	// does not implement (e.g. stat on a backend without stat support).
	ErrUnsupported = errors.New("vaultsync: unsupported capability")
)

// Kind classifies a StorageError for logging and metrics; callers should
// still prefer errors.Is against the sentinels above for control flow.
type Kind string

// Error kinds (§7).
const (
	KindStorageLoad  Kind = "storage_load"
	KindStorageSave  Kind = "storage_save"
	KindStorageStat  Kind = "storage_stat"
	KindCache        Kind = "cache"
)

// StorageError wraps a sentinel error with the backend tag and path that
// produced it, mirroring the teacher's GraphError (status code + request id).
type StorageError struct {
	Kind    Kind
	Backend string
	Path    string
	Err     error
}

func (e *StorageError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("vaultsync: %s backend %q path %q: %s", e.Kind, e.Backend, e.Path, e.Err)
	}

	return fmt.Sprintf("vaultsync: %s backend %q: %s", e.Kind, e.Backend, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewNotFound builds a StorageError wrapping ErrNotFound.
func NewNotFound(kind Kind, backend, path string) error {
	return &StorageError{Kind: kind, Backend: backend, Path: path, Err: ErrNotFound}
}

// NewRevConflict builds a StorageError wrapping ErrRevConflict.
func NewRevConflict(backend, path string) error {
	return &StorageError{Kind: KindStorageSave, Backend: backend, Path: path, Err: ErrRevConflict}
}

// IsNotFound reports whether err (or any error it wraps) is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRevConflict reports whether err (or any error it wraps) is ErrRevConflict.
func IsRevConflict(err error) bool {
	return errors.Is(err, ErrRevConflict)
}

// IsInvalidKey reports whether err (or any error it wraps) is ErrInvalidKey.
func IsInvalidKey(err error) bool {
	return errors.Is(err, ErrInvalidKey)
}

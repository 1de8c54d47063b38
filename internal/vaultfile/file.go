// Package vaultfile defines the File object contract the sync engine
// consumes (§4.3). The engine treats mergeOrUpdate, the trash group, and
// key-file material as opaque — no assumption about encryption or
// three-way-merge internals is made here (§9, Design Note "File object
// coupling"), grounded in how the teacher's internal/sync package consumes
// small, focused interfaces (DeltaFetcher, ItemClient) rather than a
// concrete type.
package vaultfile

import "github.com/vaultsync/vaultsync/internal/vaulterrors"

// OpenCallback reports the outcome of Open/ImportWithXML.
type OpenCallback func(err error)

// DataCallback reports the outcome of GetData.
type DataCallback func(data []byte, err error)

// MergeCallback reports the outcome of MergeOrUpdate.
type MergeCallback func(err error)

// File is the runtime contract the engine drives through open and sync
// cycles (§3 "File (runtime only)", §4.3). Implementations are free to
// choose their own encryption and merge strategy; the engine only calls
// these methods and inspects the flags they are documented to mutate.
type File interface {
	// Open decrypts bytes using password and optional keyFileData. On
	// success the file acquires a stable, content-derived Id().
	Open(password string, bytes []byte, keyFileData []byte, cb OpenCallback)
	// ImportWithXML initializes the file from a cleartext XML export. The
	// success callback is required (§9: the original's omission is a bug).
	ImportWithXML(xml []byte, cb OpenCallback)

	// GetData serializes the current in-memory state to bytes.
	GetData(cb DataCallback)
	// MergeOrUpdate reconciles local edits with remoteBytes. remoteKey is
	// optional out-of-band key material for a key-rotation merge. Must be
	// idempotent against repeated identical remoteBytes. A failure due to a
	// key mismatch MUST be an error satisfying vaulterrors.IsInvalidKey.
	MergeOrUpdate(remoteBytes []byte, remoteKey []byte, cb MergeCallback)

	// SetLocalEditState / GetLocalEditState pass an opaque edit-history blob
	// through the engine without interpretation.
	SetLocalEditState(blob []byte)
	GetLocalEditState() []byte

	// SetSyncProgress marks syncing=true. The only place syncing flips to
	// true (§9 Design Note "plain records plus operations").
	SetSyncProgress()
	// SetSyncComplete mutates syncing/modified/dirty/syncDate per the
	// completion contract of §4.5: syncing always clears; modified clears
	// only when err is nil; savedToCache reports whether bytes reached the
	// cache even when the overall sync failed.
	SetSyncComplete(path, storage string, syncErr error, savedToCache bool)

	Close()
	EmptyTrash()
	GetTrashGroup() string

	GetKeyFileHash() string
	CreateKeyFileWithHash(hash string)

	// Id is the stable, content-derived identifier assigned on a successful
	// Open/ImportWithXML (§3: "id (derived by the decryption layer)").
	Id() string
	// CacheId mirrors the FileInfo id bound at open/sync time; the engine
	// sets it via SetCacheId as part of the completion contract.
	CacheId() string
	SetCacheId(id string)

	Modified() bool
	Dirty() bool
	SetDirty(dirty bool)
	Syncing() bool

	// Name is the display name copied into the FileInfo registry at sync
	// completion (§4.5 completion contract).
	Name() string
	SetName(name string)

	Path() string
	SetPath(path string)
	Storage() string
	SetStorage(storage string)
	Opts() map[string]string
	SetOpts(opts map[string]string)

	Rev() string
	SetRev(rev string)
	SyncDate() int64

	// Demo reports whether this file is the engine's no-op demo file (§4.5
	// guard: sync on a demo file succeeds immediately).
	Demo() bool
}

// ErrNotOpen is returned by operations that require a successfully opened
// file when called before Open/ImportWithXML has completed.
var ErrNotOpen = vaulterrors.ErrUnsupported

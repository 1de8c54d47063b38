package vaultfile

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vaultsync/vaultsync/internal/vaulterrors"
)

func nowUnixNano() int64 { return time.Now().UnixNano() }

// payload is the serialized form GetData/Open exchange — a stand-in for a
// real encrypted-database format. The database's own uuid (not the path) is
// what gives a file its content-derived identity (§4.4 "Duplicate
// detection").
type payload struct {
	UUID    string            `json:"uuid"`
	KeyHash string            `json:"key_hash"`
	Entries map[string]string `json:"entries"`
	Trash   []string          `json:"trash"`
}

// MemFile is a reference, in-memory File implementation (§4.3). It stands
// in for whatever real encrypted-database engine a production build would
// plug in — MergeOrUpdate here is a plain per-key merge in which pending
// local edits win over remote values, deliberately simple, since the engine
// treats merge as an opaque black box (§9).
type MemFile struct {
	mu sync.Mutex

	id      string
	cacheID string
	keyHash string

	entries map[string]string
	trash   []string
	pending map[string]string // local edits made since the last successful merge

	modified bool
	dirty    bool
	syncing  bool

	name     string
	path     string
	storage  string
	opts     map[string]string
	rev      string
	syncDate int64

	editState   []byte
	keyFileHash string
	demo        bool
}

// NewDemoFile returns a File that satisfies the §4.5 "demo" guard: sync is
// always a no-op.
func NewDemoFile() *MemFile {
	return &MemFile{id: uuid.NewString(), demo: true, entries: map[string]string{}}
}

// NewEmptyFile returns an unopened File ready to receive Open or
// ImportWithXML.
func NewEmptyFile() *MemFile {
	return &MemFile{entries: map[string]string{}}
}

func keyHashOf(password string, keyFileData []byte) string {
	h := sha256.Sum256(append([]byte(password), keyFileData...))
	return hex.EncodeToString(h[:])
}

// Open decrypts bytes (a JSON payload in this reference implementation). An
// empty bytes slice creates a brand-new database with a fresh uuid.
func (f *MemFile) Open(password string, data []byte, keyFileData []byte, cb OpenCallback) {
	f.mu.Lock()
	defer f.mu.Unlock()

	wantHash := keyHashOf(password, keyFileData)

	if len(data) == 0 {
		f.id = uuid.NewString()
		f.keyHash = wantHash
		f.entries = map[string]string{}
		f.pending = map[string]string{}
		cb(nil)

		return
	}

	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		cb(fmt.Errorf("vaultfile: decoding database: %w", err))
		return
	}

	if p.KeyHash != wantHash {
		cb(vaulterrors.ErrInvalidKey)
		return
	}

	f.id = p.UUID
	f.keyHash = p.KeyHash
	f.entries = p.Entries
	f.trash = p.Trash
	f.pending = map[string]string{}

	if f.entries == nil {
		f.entries = map[string]string{}
	}

	cb(nil)
}

// ImportWithXML initializes the file from a cleartext XML export, assigning
// a fresh uuid. The success callback is always invoked (§9).
func (f *MemFile) ImportWithXML(xml []byte, cb OpenCallback) {
	f.mu.Lock()

	entries := map[string]string{"__import__": string(xml)}

	f.id = uuid.NewString()
	f.entries = entries
	f.pending = map[string]string{}
	f.modified = true
	f.dirty = true

	f.mu.Unlock()

	// The callback runs without the lock held so it may call back into the
	// file (e.g. SetName).
	cb(nil)
}

// GetData serializes the current state.
func (f *MemFile) GetData(cb DataCallback) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p := payload{UUID: f.id, KeyHash: f.keyHash, Entries: copyMap(f.entries), Trash: append([]string(nil), f.trash...)}

	data, err := json.Marshal(p)
	cb(data, err)
}

// MergeOrUpdate reconciles remoteBytes with any local edits recorded since
// the last successful merge. Conflicting keys are resolved local-wins,
// since the remote bytes are by definition already visible to other
// clients while the local edit is not yet synced.
func (f *MemFile) MergeOrUpdate(remoteBytes []byte, remoteKey []byte, cb MergeCallback) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var p payload
	if err := json.Unmarshal(remoteBytes, &p); err != nil {
		cb(fmt.Errorf("vaultfile: decoding remote database: %w", err))
		return
	}

	if p.KeyHash != f.keyHash {
		if remoteKey == nil || hex.EncodeToString(remoteKey) != f.keyHash {
			cb(vaulterrors.ErrInvalidKey)
			return
		}
	}

	merged := copyMap(p.Entries)
	for k, v := range f.pending {
		merged[k] = v
	}

	f.entries = merged
	f.trash = p.Trash

	cb(nil)
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}

	return out
}

// Put records a local edit, for use by tests simulating user activity.
func (f *MemFile) Put(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pending == nil {
		f.pending = map[string]string{}
	}

	f.entries[key] = value
	f.pending[key] = value
	f.modified = true
	f.dirty = true
}

func (f *MemFile) SetLocalEditState(blob []byte) { f.mu.Lock(); f.editState = blob; f.mu.Unlock() }

func (f *MemFile) GetLocalEditState() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.editState
}

func (f *MemFile) SetSyncProgress() { f.mu.Lock(); f.syncing = true; f.mu.Unlock() }

// SetSyncComplete implements the §4.5 completion contract: syncing always
// clears; modified clears only on success.
func (f *MemFile) SetSyncComplete(path, storage string, syncErr error, savedToCache bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.syncing = false
	f.path = path
	f.storage = storage

	if syncErr == nil {
		f.modified = false
		f.pending = map[string]string{}
	}

	if savedToCache {
		f.dirty = false
	}

	f.syncDate = nowUnixNano()
}

func (f *MemFile) Close()                { }
func (f *MemFile) EmptyTrash()           { f.mu.Lock(); f.trash = nil; f.mu.Unlock() }
func (f *MemFile) GetTrashGroup() string { return "trash" }

func (f *MemFile) GetKeyFileHash() string { return f.keyFileHash }
func (f *MemFile) CreateKeyFileWithHash(hash string) {
	f.mu.Lock()
	f.keyFileHash = hash
	f.mu.Unlock()
}

func (f *MemFile) Id() string      { return f.id }
func (f *MemFile) CacheId() string { return f.cacheID }
func (f *MemFile) SetCacheId(id string) {
	f.mu.Lock()
	f.cacheID = id
	f.mu.Unlock()
}

func (f *MemFile) Modified() bool { f.mu.Lock(); defer f.mu.Unlock(); return f.modified }
func (f *MemFile) Dirty() bool    { f.mu.Lock(); defer f.mu.Unlock(); return f.dirty }
func (f *MemFile) SetDirty(dirty bool) {
	f.mu.Lock()
	f.dirty = dirty
	f.mu.Unlock()
}
func (f *MemFile) Syncing() bool { f.mu.Lock(); defer f.mu.Unlock(); return f.syncing }

func (f *MemFile) Name() string { return f.name }
func (f *MemFile) SetName(name string) {
	f.mu.Lock()
	f.name = name
	f.mu.Unlock()
}

func (f *MemFile) Path() string { return f.path }
func (f *MemFile) SetPath(path string) {
	f.mu.Lock()
	f.path = path
	f.mu.Unlock()
}

func (f *MemFile) Storage() string { return f.storage }
func (f *MemFile) SetStorage(storage string) {
	f.mu.Lock()
	f.storage = storage
	f.mu.Unlock()
}

func (f *MemFile) Opts() map[string]string { return f.opts }
func (f *MemFile) SetOpts(opts map[string]string) {
	f.mu.Lock()
	f.opts = opts
	f.mu.Unlock()
}

func (f *MemFile) Rev() string { return f.rev }
func (f *MemFile) SetRev(rev string) {
	f.mu.Lock()
	f.rev = rev
	f.mu.Unlock()
}

func (f *MemFile) SyncDate() int64 { return f.syncDate }

func (f *MemFile) Demo() bool { return f.demo }

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO)
)

const (
	sqlLoadFileInfo = `SELECT id, name, storage, path, opts, rev, modified,
		edit_state, sync_date, open_date, key_file_name, key_file_hash
		FROM file_info ORDER BY position ASC`

	sqlDeleteAll = `DELETE FROM file_info`

	sqlInsertFileInfo = `INSERT INTO file_info
		(id, name, storage, path, opts, rev, modified, edit_state,
		 sync_date, open_date, key_file_name, key_file_hash, position)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
)

// Registry is the sole writer to the FileInfo database (§4.2). It loads the
// whole ordered list into memory on first use — the same "load once, patch
// in memory, persist on demand" shape as the teacher's BaselineManager — and
// Save() rewrites the table from the in-memory order.
type Registry struct {
	db     *sql.DB
	logger *slog.Logger

	// list is ordered most-recently-used first. byID indexes the same
	// *FileInfo values for O(1) Get/Remove.
	list []*FileInfo
	byID map[string]*FileInfo
}

// New opens the registry database at dbPath, runs migrations, and returns a
// ready-to-use Registry. Call Load before using Get/GetMatch/GetByName.
func New(dbPath string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening registry database %s: %w", dbPath, err)
	}

	// Sole-writer pattern: only one connection writes at a time (the
	// registry is written after each open and at sync completion).
	db.SetMaxOpenConns(1)

	if err := runMigrations(context.Background(), db, logger); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Registry{
		db:     db,
		logger: logger,
		byID:   make(map[string]*FileInfo),
	}, nil
}

// Close closes the underlying database connection.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Load bootstraps the in-memory list from the database, ordered by recency.
// Idempotent after the first call within a process — the registry is the
// sole writer, so nothing else can have changed the table underneath it.
func (r *Registry) Load(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, sqlLoadFileInfo)
	if err != nil {
		return fmt.Errorf("store: loading file_info: %w", err)
	}
	defer rows.Close()

	var list []*FileInfo
	byID := make(map[string]*FileInfo)

	for rows.Next() {
		fi, err := scanFileInfoRow(rows)
		if err != nil {
			return err
		}

		list = append(list, fi)
		byID[fi.ID] = fi
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("store: iterating file_info rows: %w", err)
	}

	r.list = list
	r.byID = byID

	r.logger.Debug("registry loaded", slog.Int("entries", len(list)))

	return nil
}

func scanFileInfoRow(rows *sql.Rows) (*FileInfo, error) {
	var (
		fi        FileInfo
		optsJSON  string
		modified  int
		editState []byte
	)

	if err := rows.Scan(
		&fi.ID, &fi.Name, &fi.Storage, &fi.Path, &optsJSON, &fi.Rev, &modified,
		&editState, &fi.SyncDate, &fi.OpenDate, &fi.KeyFileName, &fi.KeyFileHash,
	); err != nil {
		return nil, fmt.Errorf("store: scanning file_info row: %w", err)
	}

	fi.Modified = modified != 0
	fi.EditState = editState

	opts := make(map[string]string)
	if optsJSON != "" {
		if err := json.Unmarshal([]byte(optsJSON), &opts); err != nil {
			return nil, fmt.Errorf("store: decoding opts for %s: %w", fi.ID, err)
		}
	}

	fi.Opts = opts

	return &fi, nil
}

// Get returns the FileInfo with the given id, or (nil, false).
func (r *Registry) Get(id string) (*FileInfo, bool) {
	fi, ok := r.byID[id]
	if !ok {
		return nil, false
	}

	return fi.clone(), true
}

// GetMatch finds the entry whose storage, name, and path all match exactly
// (§4.2) — used when an open request lacks an id.
func (r *Registry) GetMatch(storage, name, path string) (*FileInfo, bool) {
	for _, fi := range r.list {
		if fi.Storage == storage && fi.Name == name && fi.Path == path {
			return fi.clone(), true
		}
	}

	return nil, false
}

// GetByName returns the first entry (in MRU order) with the given name.
func (r *Registry) GetByName(name string) (*FileInfo, bool) {
	for _, fi := range r.list {
		if fi.Name == name {
			return fi.clone(), true
		}
	}

	return nil, false
}

// Remove deletes the entry with the given id from the in-memory list. Not
// persisted until Save is called.
func (r *Registry) Remove(id string) {
	if _, ok := r.byID[id]; !ok {
		return
	}

	delete(r.byID, id)

	for i, fi := range r.list {
		if fi.ID == id {
			r.list = append(r.list[:i], r.list[i+1:]...)
			break
		}
	}
}

// Unshift inserts info at the head of the list, replacing any existing
// entry with the same id (§3: "inserting an existing id moves it to the
// head"). Not persisted until Save is called.
func (r *Registry) Unshift(info *FileInfo) {
	r.Remove(info.ID)

	stored := info.clone()
	r.byID[stored.ID] = stored
	r.list = append([]*FileInfo{stored}, r.list...)
}

// Save persists the entire in-memory list to the database in its current
// order, replacing the previous contents in a single transaction (§4.2:
// "persist whole list"; §6: registry writes occur at sync completion).
func (r *Registry) Save(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: beginning save transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.ExecContext(ctx, sqlDeleteAll); err != nil {
		return fmt.Errorf("store: clearing file_info: %w", err)
	}

	for position, fi := range r.list {
		optsJSON, err := json.Marshal(fi.Opts)
		if err != nil {
			return fmt.Errorf("store: encoding opts for %s: %w", fi.ID, err)
		}

		modified := 0
		if fi.Modified {
			modified = 1
		}

		_, err = tx.ExecContext(ctx, sqlInsertFileInfo,
			fi.ID, fi.Name, fi.Storage, fi.Path, string(optsJSON), fi.Rev, modified,
			fi.EditState, fi.SyncDate, fi.OpenDate, fi.KeyFileName, fi.KeyFileHash, position,
		)
		if err != nil {
			return fmt.Errorf("store: inserting file_info for %s: %w", fi.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: committing save transaction: %w", err)
	}

	r.logger.Debug("registry saved", slog.Int("entries", len(r.list)))

	return nil
}

// List returns a snapshot of the registry in MRU order.
func (r *Registry) List() []*FileInfo {
	out := make([]*FileInfo, len(r.list))
	for i, fi := range r.list {
		out[i] = fi.clone()
	}

	return out
}

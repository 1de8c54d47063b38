// Package controller implements the Application Controller (§4.6): it holds
// the open-file set, routes open/close/sync requests to the Open
// Orchestrator and Sync State Machine, and mediates the FileInfo registry.
//
// The original spec routes notifications through a global pub/sub event
// bus; per §9 Design Note "Event bus → explicit ports" this becomes a typed
// port the controller holds and UI collaborators register handlers against
// at construction, grounded in how the teacher hands a *slog.Logger and a
// small set of callback-shaped collaborators into its Engine rather than
// reaching for a package-level bus.
package controller

import "github.com/vaultsync/vaultsync/internal/vaultfile"

// FilterState is the opaque filter/sort/entries projection the controller
// forwards on a "filter" event (§6: "filter {filter, sort, entries}"). The
// entry domain model and menu/tag projection are external collaborators
// (spec §1) — the controller never inspects these fields.
type FilterState struct {
	Filter  string
	Sort    string
	Entries any
}

// EventPort is the engine's half of the UI event bus (§6). Emit* methods are
// fire-and-forget — no acknowledgment, matching the original bus semantics.
type EventPort interface {
	// EmitRefresh notifies the UI that open-file state changed and any
	// projection depending on it should be recomputed.
	EmitRefresh()
	// EmitFilter forwards a filter/sort/entries projection update.
	EmitFilter(state FilterState)
	// EmitSelectEntry notifies the UI that entry should become the active
	// selection (opaque to the controller — passed through from a caller).
	EmitSelectEntry(entry any)
	// EmitRemoteKeyChanged fires when a sync's merge step fails because the
	// remote bytes were encrypted under a different key (§4.5, §4.3).
	EmitRemoteKeyChanged(file vaultfile.File)
}

// NullEventPort discards every event. Useful for headless callers (CLI
// commands, tests) that have no UI collaborator registered.
type NullEventPort struct{}

func (NullEventPort) EmitRefresh()                             {}
func (NullEventPort) EmitFilter(FilterState)                   {}
func (NullEventPort) EmitSelectEntry(any)                      {}
func (NullEventPort) EmitRemoteKeyChanged(file vaultfile.File) {}

// Listener is the inbound half of the bus (§6 "Listens: refresh, set-filter,
// add-filter, set-sort, empty-trash"). The controller exposes these as
// plain methods (HandleSetFilter, etc.) rather than a subscribe callback,
// since Go callers can just call a method instead of publishing a named
// event to themselves.
type Listener interface {
	HandleRefresh()
	HandleSetFilter(filter string)
	HandleAddFilter(filter string)
	HandleSetSort(sort string)
	HandleEmptyTrash(fileID string)
}

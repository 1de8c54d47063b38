package syncengine

import (
	"context"

	"github.com/vaultsync/vaultsync/internal/backend"
)

type statResult struct {
	stat backend.Stat
	err  error
}

type saveResult struct {
	stat backend.Stat
	err  error
}

// loadResult pairs the bytes a Load call returns with the Stat describing
// their revision — loadAndMerge trusts this Stat, not a separately-issued
// Stat call, to record what rev was actually merged.
type loadResult struct {
	data []byte
	stat backend.Stat
}

// fakeRemote is a scripted backend.Backend + backend.Stater used to drive
// the §8 concrete scenarios deterministically. Each queue is indexed by
// call count and clamps to its last entry once exhausted, so a
// single-entry queue behaves as "always return this".
type fakeRemote struct {
	statQueue []statResult
	statCalls int

	loadQueue []loadResult
	loadCalls int

	saveQueue []saveResult
	saveCalls int

	// pathForName, when non-empty, makes fakeRemote satisfy backend.PathNamer
	// so tests can exercise the §4.5 Setup path-recompute-on-name behavior.
	pathForName string

	// lastPath records the path argument of the most recent Stat/Load/Save
	// call, so tests can assert which path the engine actually used.
	lastPath string
}

func (f *fakeRemote) GetPathForName(name string) string {
	return f.pathForName
}

func (f *fakeRemote) Stat(_ context.Context, path string, _ backend.Opts) (backend.Stat, error) {
	f.lastPath = path
	r := f.statQueue[clampIndex(f.statCalls, len(f.statQueue))]
	f.statCalls++

	return r.stat, r.err
}

func (f *fakeRemote) Load(_ context.Context, path string, _ backend.Opts) ([]byte, backend.Stat, error) {
	f.lastPath = path
	r := f.loadQueue[clampIndex(f.loadCalls, len(f.loadQueue))]
	f.loadCalls++

	return r.data, r.stat, nil
}

func (f *fakeRemote) Save(_ context.Context, path string, _ backend.Opts, _ []byte, _ string) (backend.Stat, error) {
	f.lastPath = path
	r := f.saveQueue[clampIndex(f.saveCalls, len(f.saveQueue))]
	f.saveCalls++

	return r.stat, r.err
}

func clampIndex(i, length int) int {
	if i >= length {
		return length - 1
	}

	return i
}

package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

type stubBackend struct{ tag string }

func (s *stubBackend) Load(context.Context, string, Opts) ([]byte, Stat, error) {
	return nil, Stat{}, nil
}

func (s *stubBackend) Save(context.Context, string, Opts, []byte, string) (Stat, error) {
	return Stat{}, nil
}

func TestRegistry_GetReturnsRegisteredBackend(t *testing.T) {
	r := NewRegistry()
	r.Register("file", &stubBackend{tag: "file"})

	b, ok := r.Get("file")
	assert.True(t, ok)
	assert.NotNil(t, b)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestRegistry_CachePanicsWithoutCacheBackend(t *testing.T) {
	r := NewRegistry()
	assert.Panics(t, func() { r.Cache() })
}

func TestRegistry_CacheReturnsRegisteredCache(t *testing.T) {
	r := NewRegistry()
	stub := &stubBackend{tag: "cache"}
	r.Register("cache", stub)

	assert.Same(t, stub, r.Cache())
}

package memstore_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/requiem/core/pkg/canon"
	"github.com/requiem/core/pkg/ids"
	"github.com/requiem/core/pkg/memstore"
)

func newStore() *memstore.InMemoryStore {
	return memstore.NewInMemoryStore(ids.NewFixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)), nil)
}

func TestStoreDedup(t *testing.T) {
	s := newStore()
	a, ferr := s.Store("t1", map[string]any{"x": 1}, nil)
	require.Nil(t, ferr)
	b, ferr := s.Store("t1", map[string]any{"x": 1}, nil)
	require.Nil(t, ferr)
	require.Equal(t, a.ID, b.ID)
	require.Equal(t, a.ContentHash, b.ContentHash)
}

func TestContentHashMatchesCanonicalOfRedacted(t *testing.T) {
	s := newStore()
	item, ferr := s.Store("t1", map[string]any{"x": 1}, nil)
	require.Nil(t, ferr)
	require.Equal(t, canon.Hash(item.Content), item.ContentHash)
}

func TestTenantIsolation(t *testing.T) {
	s := newStore()
	item, ferr := s.Store("t1", "secret content", nil)
	require.Nil(t, ferr)
	_, ferr = s.GetByHash("t2", item.ContentHash)
	require.NotNil(t, ferr)
	require.Equal(t, "memory_not_found", string(ferr.Code))
}

func TestTenantRequired(t *testing.T) {
	s := newStore()
	_, ferr := s.Store("", "x", nil)
	require.NotNil(t, ferr)
	require.Equal(t, "tenant_required", string(ferr.Code))
}

func TestDeleteThenNotFound(t *testing.T) {
	s := newStore()
	item, _ := s.Store("t1", "x", nil)
	require.Nil(t, s.Delete("t1", item.ID))
	_, ferr := s.GetByID("t1", item.ID)
	require.NotNil(t, ferr)
}

func TestListRespectsLimit(t *testing.T) {
	s := newStore()
	for i := 0; i < 5; i++ {
		_, _ = s.Store("t1", map[string]any{"i": i}, nil)
	}
	out, ferr := s.List("t1", 3)
	require.Nil(t, ferr)
	require.Len(t, out, 3)
}

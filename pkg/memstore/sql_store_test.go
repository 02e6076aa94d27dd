package memstore_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/requiem/core/pkg/canon"
	"github.com/requiem/core/pkg/ids"
	"github.com/requiem/core/pkg/memstore"
)

// newSQLStore opens a temp-file sqlite database rather than ":memory:":
// database/sql's connection pool may hand out a fresh, disconnected
// in-memory database per connection, which would silently break the
// dedup and isolation invariants this test exercises.
func newSQLStore(t *testing.T) *memstore.SQLStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "memstore.db")
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clock := ids.NewFixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store, err := memstore.NewSQLStore(context.Background(), db, clock, nil)
	require.NoError(t, err)
	return store
}

func TestSQLStore_StoreDedup(t *testing.T) {
	s := newSQLStore(t)
	a, ferr := s.Store("t1", map[string]any{"x": 1}, nil)
	require.Nil(t, ferr)
	b, ferr := s.Store("t1", map[string]any{"x": 1}, nil)
	require.Nil(t, ferr)
	require.Equal(t, a.ID, b.ID)
	require.Equal(t, a.ContentHash, b.ContentHash)
}

func TestSQLStore_ContentHashMatchesCanonicalOfRedacted(t *testing.T) {
	s := newSQLStore(t)
	item, ferr := s.Store("t1", map[string]any{"x": 1}, nil)
	require.Nil(t, ferr)
	require.Equal(t, canon.Hash(item.Content), item.ContentHash)
}

func TestSQLStore_TenantIsolation(t *testing.T) {
	s := newSQLStore(t)
	item, ferr := s.Store("t1", "secret content", nil)
	require.Nil(t, ferr)
	_, ferr = s.GetByHash("t2", item.ContentHash)
	require.NotNil(t, ferr)
	require.Equal(t, "memory_not_found", string(ferr.Code))
}

func TestSQLStore_TenantRequired(t *testing.T) {
	s := newSQLStore(t)
	_, ferr := s.Store("", "x", nil)
	require.NotNil(t, ferr)
	require.Equal(t, "tenant_required", string(ferr.Code))
}

func TestSQLStore_GetByIDRoundTrips(t *testing.T) {
	s := newSQLStore(t)
	item, ferr := s.Store("t1", map[string]any{"k": "v"}, map[string]any{"tag": "a"})
	require.Nil(t, ferr)

	got, ferr := s.GetByID("t1", item.ID)
	require.Nil(t, ferr)
	require.Equal(t, item.ContentHash, got.ContentHash)
}

func TestSQLStore_DeleteThenNotFound(t *testing.T) {
	s := newSQLStore(t)
	item, ferr := s.Store("t1", "x", nil)
	require.Nil(t, ferr)
	require.Nil(t, s.Delete("t1", item.ID))
	_, ferr = s.GetByID("t1", item.ID)
	require.NotNil(t, ferr)
}

func TestSQLStore_ListRespectsLimit(t *testing.T) {
	s := newSQLStore(t)
	for i := 0; i < 5; i++ {
		_, ferr := s.Store("t1", map[string]any{"i": i}, nil)
		require.Nil(t, ferr)
	}
	out, ferr := s.List("t1", 3)
	require.Nil(t, ferr)
	require.Len(t, out, 3)
}

// TestSQLStore_SurvivesReopen verifies the whole point of a relational
// backend over the in-memory default: state outlives the process that
// wrote it.
func TestSQLStore_SurvivesReopen(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "memstore.db")
	clock := ids.NewFixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	db1, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	store1, err := memstore.NewSQLStore(context.Background(), db1, clock, nil)
	require.NoError(t, err)
	item, ferr := store1.Store("t1", map[string]any{"durable": true}, nil)
	require.Nil(t, ferr)
	require.NoError(t, db1.Close())

	db2, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db2.Close() })
	store2, err := memstore.NewSQLStore(context.Background(), db2, clock, nil)
	require.NoError(t, err)

	got, ferr := store2.GetByID("t1", item.ID)
	require.Nil(t, ferr)
	require.Equal(t, item.ContentHash, got.ContentHash)
}

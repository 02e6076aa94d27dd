package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/requiem/core/pkg/budget"
	"github.com/requiem/core/pkg/config"
	"github.com/requiem/core/pkg/ids"
	"github.com/requiem/core/pkg/memstore"
	"github.com/requiem/core/pkg/redact"
	"github.com/requiem/core/pkg/replaycache"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// durableComponents bundles the storage-backed pieces a pipeline needs,
// plus a closer that releases whatever connections were opened to build
// them. Every field is always non-nil: components fall back to their
// in-process defaults when cfg names the memory driver.
type durableComponents struct {
	checker budget.Checker
	store   memstore.Store
	cache   replaycache.Cache
	close   func() error
}

// buildDurableComponents selects and opens the backends cfg names. A
// driver other than "memory" opens a real connection and fails loudly
// if it cannot be reached; there is no silent fallback to memory once a
// durable driver has been configured.
func buildDurableComponents(ctx context.Context, cfg *config.Config, clock ids.Clock, budgetConfigs func(string) budget.Config) (*durableComponents, error) {
	closers := make([]func() error, 0, 2)
	closeAll := func() error {
		var first error
		for _, c := range closers {
			if err := c(); err != nil && first == nil {
				first = err
			}
		}
		return first
	}

	checker, err := buildBudgetChecker(ctx, cfg, clock, budgetConfigs, &closers)
	if err != nil {
		_ = closeAll()
		return nil, fmt.Errorf("budget storage: %w", err)
	}

	store, err := buildMemStore(ctx, cfg, clock, &closers)
	if err != nil {
		_ = closeAll()
		return nil, fmt.Errorf("memstore: %w", err)
	}

	cache, err := buildReplayCache(cfg, clock, &closers)
	if err != nil {
		_ = closeAll()
		return nil, fmt.Errorf("replay cache: %w", err)
	}

	return &durableComponents{checker: checker, store: store, cache: cache, close: closeAll}, nil
}

func buildBudgetChecker(ctx context.Context, cfg *config.Config, clock ids.Clock, configs func(string) budget.Config, closers *[]func() error) (budget.Checker, error) {
	switch cfg.BudgetStorageDriver {
	case config.StorageDriverSQLite:
		db, err := sql.Open("sqlite", cfg.BudgetStorageDSN)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, db.Close)
		storage, err := budget.NewSQLStorage(ctx, db)
		if err != nil {
			return nil, err
		}
		return budget.NewPersistentChecker(clock, configs, storage), nil
	case config.StorageDriverPostgres:
		db, err := sql.Open("postgres", cfg.BudgetStorageDSN)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, db.Close)
		storage, err := budget.NewPostgresStorage(ctx, db)
		if err != nil {
			return nil, err
		}
		return budget.NewPersistentChecker(clock, configs, storage), nil
	default:
		return budget.NewAtomicChecker(clock, configs), nil
	}
}

func buildMemStore(ctx context.Context, cfg *config.Config, clock ids.Clock, closers *[]func() error) (memstore.Store, error) {
	switch cfg.MemstoreDriver {
	case config.StorageDriverSQLite:
		db, err := sql.Open("sqlite", cfg.MemstoreDSN)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, db.Close)
		return memstore.NewSQLStore(ctx, db, clock, redact.New())
	default:
		return memstore.NewInMemoryStore(clock, redact.New()), nil
	}
}

func buildReplayCache(cfg *config.Config, clock ids.Clock, closers *[]func() error) (replaycache.Cache, error) {
	switch cfg.ReplayCacheDriver {
	case config.CacheDriverRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		*closers = append(*closers, client.Close)
		return replaycache.NewRedisCache(client, clock, replaycache.Config{Enabled: true}), nil
	default:
		return replaycache.New(clock, replaycache.Config{Enabled: false}), nil
	}
}

// Package config loads the runtime's environment-variable surface: the
// handful of knobs a CLI wrapper or embedding process sets before the
// core starts — per-tenant budgets, tool registration, and provider
// wiring stay programmatic, never environment-driven.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/requiem/core/pkg/arbitration"
	"github.com/requiem/core/pkg/ids"
	"github.com/requiem/core/pkg/telemetry"
)

// DecisionEngine selects the arbitration/decision backend.
type DecisionEngine string

const (
	DecisionEngineReference DecisionEngine = "reference"
	DecisionEngineNative    DecisionEngine = "native"
)

// StorageDriver selects the relational backend for a durable adapter
// (budget state, memory store). "memory" keeps the default in-process
// implementation; the caller that builds the adapter is responsible for
// opening the *sql.DB the driver implies.
type StorageDriver string

const (
	StorageDriverMemory   StorageDriver = "memory"
	StorageDriverSQLite   StorageDriver = "sqlite"
	StorageDriverPostgres StorageDriver = "postgres"
)

// CacheDriver selects the replay cache backend.
type CacheDriver string

const (
	CacheDriverMemory CacheDriver = "memory"
	CacheDriverRedis  CacheDriver = "redis"
)

// Config is the fully resolved environment surface.
type Config struct {
	Minimal        bool
	ForceReference bool
	DecisionEngine DecisionEngine
	LogLevel       telemetry.Level
	AuthSecret     string
	Environment    ids.Environment

	// BudgetStorageDriver/DSN select where per-tenant budget state
	// survives a restart. DSN is opaque to config: a sqlite file path
	// or a Postgres connection string, interpreted by whoever opens
	// the *sql.DB.
	BudgetStorageDriver StorageDriver
	BudgetStorageDSN    string

	// MemstoreDriver/DSN select the memory store's backend. Postgres
	// is not yet wired for memstore (see DESIGN.md); only memory and
	// sqlite are accepted here.
	MemstoreDriver StorageDriver
	MemstoreDSN    string

	// ReplayCacheDriver/RedisAddr select the replay cache backend.
	ReplayCacheDriver CacheDriver
	RedisAddr         string
}

// Load reads the recognized REQUIEM_* variables from the process
// environment, defaulting anything unset.
func Load() (*Config, error) {
	return load(os.LookupEnv)
}

// load is the testable core of Load, parameterized over the lookup
// function so tests never touch the real process environment.
func load(lookup func(string) (string, bool)) (*Config, error) {
	cfg := &Config{
		DecisionEngine:      DecisionEngineReference,
		LogLevel:            telemetry.LevelInfo,
		Environment:         ids.EnvDevelopment,
		BudgetStorageDriver: StorageDriverMemory,
		MemstoreDriver:      StorageDriverMemory,
		ReplayCacheDriver:   CacheDriverMemory,
	}

	if v, ok := lookup("REQUIEM_MINIMAL"); ok {
		cfg.Minimal = isTruthy(v)
	}
	if v, ok := lookup("FORCE_RUST"); ok {
		cfg.ForceReference = isTruthy(v)
	}
	if v, ok := lookup("DECISION_ENGINE"); ok {
		switch DecisionEngine(strings.ToLower(v)) {
		case DecisionEngineReference, DecisionEngineNative:
			cfg.DecisionEngine = DecisionEngine(strings.ToLower(v))
		default:
			return nil, fmt.Errorf("config: DECISION_ENGINE must be %q or %q, got %q", DecisionEngineReference, DecisionEngineNative, v)
		}
	}
	if v, ok := lookup("REQUIEM_LOG_LEVEL"); ok {
		level := telemetry.Level(strings.ToLower(v))
		switch level {
		case telemetry.LevelDebug, telemetry.LevelInfo, telemetry.LevelWarn, telemetry.LevelError, telemetry.LevelSilent:
			cfg.LogLevel = level
		default:
			return nil, fmt.Errorf("config: REQUIEM_LOG_LEVEL must be one of debug|info|warn|error|silent, got %q", v)
		}
	}
	if v, ok := lookup("REQUIEM_ENVIRONMENT"); ok {
		env := ids.Environment(strings.ToLower(v))
		if !env.Valid() {
			return nil, fmt.Errorf("config: REQUIEM_ENVIRONMENT must be test|development|production, got %q", v)
		}
		cfg.Environment = env
	}
	if v, ok := lookup("REQUIEM_AUTH_SECRET"); ok {
		cfg.AuthSecret = v
	}
	if cfg.AuthSecret == "" && cfg.Environment == ids.EnvProduction {
		return nil, fmt.Errorf("config: REQUIEM_AUTH_SECRET is required in production")
	}

	if v, ok := lookup("REQUIEM_BUDGET_STORAGE_DRIVER"); ok {
		driver := StorageDriver(strings.ToLower(v))
		switch driver {
		case StorageDriverMemory, StorageDriverSQLite, StorageDriverPostgres:
			cfg.BudgetStorageDriver = driver
		default:
			return nil, fmt.Errorf("config: REQUIEM_BUDGET_STORAGE_DRIVER must be memory|sqlite|postgres, got %q", v)
		}
	}
	if v, ok := lookup("REQUIEM_BUDGET_STORAGE_DSN"); ok {
		cfg.BudgetStorageDSN = v
	}
	if cfg.BudgetStorageDriver != StorageDriverMemory && cfg.BudgetStorageDSN == "" {
		return nil, fmt.Errorf("config: REQUIEM_BUDGET_STORAGE_DSN is required when REQUIEM_BUDGET_STORAGE_DRIVER is %q", cfg.BudgetStorageDriver)
	}

	if v, ok := lookup("REQUIEM_MEMSTORE_DRIVER"); ok {
		driver := StorageDriver(strings.ToLower(v))
		switch driver {
		case StorageDriverMemory, StorageDriverSQLite:
			cfg.MemstoreDriver = driver
		default:
			return nil, fmt.Errorf("config: REQUIEM_MEMSTORE_DRIVER must be memory|sqlite, got %q", v)
		}
	}
	if v, ok := lookup("REQUIEM_MEMSTORE_DSN"); ok {
		cfg.MemstoreDSN = v
	}
	if cfg.MemstoreDriver != StorageDriverMemory && cfg.MemstoreDSN == "" {
		return nil, fmt.Errorf("config: REQUIEM_MEMSTORE_DSN is required when REQUIEM_MEMSTORE_DRIVER is %q", cfg.MemstoreDriver)
	}

	if v, ok := lookup("REQUIEM_REPLAYCACHE_DRIVER"); ok {
		driver := CacheDriver(strings.ToLower(v))
		switch driver {
		case CacheDriverMemory, CacheDriverRedis:
			cfg.ReplayCacheDriver = driver
		default:
			return nil, fmt.Errorf("config: REQUIEM_REPLAYCACHE_DRIVER must be memory|redis, got %q", v)
		}
	}
	if v, ok := lookup("REQUIEM_REDIS_ADDR"); ok {
		cfg.RedisAddr = v
	}
	if cfg.ReplayCacheDriver == CacheDriverRedis && cfg.RedisAddr == "" {
		return nil, fmt.Errorf("config: REQUIEM_REDIS_ADDR is required when REQUIEM_REPLAYCACHE_DRIVER is %q", CacheDriverRedis)
	}

	return cfg, nil
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// ArbitrationStrategy resolves which strategy the arbitration engine
// should run under: minimal mode always collapses to deterministic-hash
// regardless of the configured strategy, disabling arbitration's
// non-essential work on the fast path while still returning a stable
// answer.
func (c *Config) ArbitrationStrategy(configured arbitration.Strategy) arbitration.Strategy {
	if c.Minimal {
		return arbitration.StrategyDeterministicHash
	}
	return configured
}

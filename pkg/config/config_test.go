package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/requiem/core/pkg/arbitration"
	"github.com/requiem/core/pkg/config"
	"github.com/requiem/core/pkg/ids"
	"github.com/requiem/core/pkg/telemetry"
)

// TestLoad_Defaults verifies that Load() returns sensible defaults when
// no environment variables are set.
// Invariant: the system must boot with safe, non-production defaults.
func TestLoad_Defaults(t *testing.T) {
	t.Setenv("REQUIEM_MINIMAL", "")
	t.Setenv("FORCE_RUST", "")
	t.Setenv("DECISION_ENGINE", "")
	t.Setenv("REQUIEM_LOG_LEVEL", "")
	t.Setenv("REQUIEM_ENVIRONMENT", "")
	t.Setenv("REQUIEM_AUTH_SECRET", "")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.False(t, cfg.Minimal)
	assert.False(t, cfg.ForceReference)
	assert.Equal(t, config.DecisionEngineReference, cfg.DecisionEngine)
	assert.Equal(t, telemetry.LevelInfo, cfg.LogLevel)
	assert.Equal(t, ids.EnvDevelopment, cfg.Environment)
}

// TestLoad_Overrides verifies that environment variables correctly
// override default values.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("REQUIEM_MINIMAL", "true")
	t.Setenv("DECISION_ENGINE", "native")
	t.Setenv("REQUIEM_LOG_LEVEL", "debug")
	t.Setenv("REQUIEM_ENVIRONMENT", "test")
	t.Setenv("REQUIEM_AUTH_SECRET", "s3cr3t")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.True(t, cfg.Minimal)
	assert.Equal(t, config.DecisionEngineNative, cfg.DecisionEngine)
	assert.Equal(t, telemetry.LevelDebug, cfg.LogLevel)
	assert.Equal(t, ids.EnvTest, cfg.Environment)
	assert.Equal(t, "s3cr3t", cfg.AuthSecret)
}

// TestLoad_RejectsInvalidDecisionEngine ensures an unrecognized
// DECISION_ENGINE value fails loudly rather than silently defaulting.
func TestLoad_RejectsInvalidDecisionEngine(t *testing.T) {
	t.Setenv("DECISION_ENGINE", "quantum")
	_, err := config.Load()
	assert.Error(t, err)
}

// TestLoad_RequiresAuthSecretInProduction verifies that absence of
// REQUIEM_AUTH_SECRET is only permitted outside production.
func TestLoad_RequiresAuthSecretInProduction(t *testing.T) {
	t.Setenv("REQUIEM_ENVIRONMENT", "production")
	t.Setenv("REQUIEM_AUTH_SECRET", "")
	_, err := config.Load()
	assert.Error(t, err)
}

func TestArbitrationStrategy_MinimalForcesDeterministicHash(t *testing.T) {
	cfg := &config.Config{Minimal: true}
	assert.Equal(t, arbitration.StrategyDeterministicHash, cfg.ArbitrationStrategy(arbitration.StrategyBalanced))
}

func TestArbitrationStrategy_NonMinimalPassesThrough(t *testing.T) {
	cfg := &config.Config{Minimal: false}
	assert.Equal(t, arbitration.StrategyBalanced, cfg.ArbitrationStrategy(arbitration.StrategyBalanced))
}

// TestLoad_DurableBackendDefaults verifies that every durable adapter
// defaults to the in-process backend when unconfigured.
func TestLoad_DurableBackendDefaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, config.StorageDriverMemory, cfg.BudgetStorageDriver)
	assert.Equal(t, config.StorageDriverMemory, cfg.MemstoreDriver)
	assert.Equal(t, config.CacheDriverMemory, cfg.ReplayCacheDriver)
}

func TestLoad_DurableBackendOverrides(t *testing.T) {
	t.Setenv("REQUIEM_BUDGET_STORAGE_DRIVER", "sqlite")
	t.Setenv("REQUIEM_BUDGET_STORAGE_DSN", "/tmp/budget.db")
	t.Setenv("REQUIEM_MEMSTORE_DRIVER", "sqlite")
	t.Setenv("REQUIEM_MEMSTORE_DSN", "/tmp/memstore.db")
	t.Setenv("REQUIEM_REPLAYCACHE_DRIVER", "redis")
	t.Setenv("REQUIEM_REDIS_ADDR", "localhost:6379")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, config.StorageDriverSQLite, cfg.BudgetStorageDriver)
	assert.Equal(t, "/tmp/budget.db", cfg.BudgetStorageDSN)
	assert.Equal(t, config.StorageDriverSQLite, cfg.MemstoreDriver)
	assert.Equal(t, "/tmp/memstore.db", cfg.MemstoreDSN)
	assert.Equal(t, config.CacheDriverRedis, cfg.ReplayCacheDriver)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
}

func TestLoad_RejectsUnknownBudgetStorageDriver(t *testing.T) {
	t.Setenv("REQUIEM_BUDGET_STORAGE_DRIVER", "filesystem")
	_, err := config.Load()
	assert.Error(t, err)
}

func TestLoad_RejectsDurableDriverWithoutDSN(t *testing.T) {
	t.Setenv("REQUIEM_MEMSTORE_DRIVER", "sqlite")
	t.Setenv("REQUIEM_MEMSTORE_DSN", "")
	_, err := config.Load()
	assert.Error(t, err)
}

func TestLoad_RejectsRedisDriverWithoutAddr(t *testing.T) {
	t.Setenv("REQUIEM_REPLAYCACHE_DRIVER", "redis")
	t.Setenv("REQUIEM_REDIS_ADDR", "")
	_, err := config.Load()
	assert.Error(t, err)
}

func TestLoad_RejectsPostgresMemstoreDriver(t *testing.T) {
	t.Setenv("REQUIEM_MEMSTORE_DRIVER", "postgres")
	t.Setenv("REQUIEM_MEMSTORE_DSN", "postgres://localhost/requiem")
	_, err := config.Load()
	assert.Error(t, err)
}

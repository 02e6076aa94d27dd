package replaycache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/requiem/core/pkg/canon"
	"github.com/requiem/core/pkg/ids"
)

// RedisCache is an opt-in shared-state replay cache for multi-process
// deployments. It implements the same digest-verification and
// tool-prefix invalidation contract as InMemoryCache.
type RedisCache struct {
	client   *redis.Client
	clock    ids.Clock
	maxAge   time.Duration
	enabled  bool
	keyIndex string // set name tracking live keys per tool, for InvalidateTool
}

// NewRedisCache wraps an existing redis client.
func NewRedisCache(client *redis.Client, clock ids.Clock, cfg Config) *RedisCache {
	maxAge := time.Duration(cfg.MaxAgeMs) * time.Millisecond
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	return &RedisCache{client: client, clock: clock, maxAge: maxAge, enabled: cfg.Enabled}
}

func (c *RedisCache) Enabled() bool { return c.enabled }

func (c *RedisCache) Key(toolName string, normalizedInput any) string {
	return "tool:" + toolName + ":" + canon.Hash16(normalizedInput)
}

type redisEntry struct {
	Output    json.RawMessage `json:"output"`
	CachedAt  time.Time       `json:"cached_at"`
	Digest    string          `json:"digest"`
	LatencyMs int64           `json:"latency_ms"`
}

func (c *RedisCache) Get(key string) (*Entry, Outcome) {
	if !c.enabled {
		return nil, Miss
	}
	ctx := context.Background()
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, Miss
	}
	var re redisEntry
	if err := json.Unmarshal(raw, &re); err != nil {
		return nil, Miss
	}
	if c.clock.Now().Sub(re.CachedAt) > c.maxAge {
		_ = c.client.Del(ctx, key).Err()
		return nil, Miss
	}
	var output any
	_ = json.Unmarshal(re.Output, &output)
	return &Entry{Output: output, CachedAt: re.CachedAt, Digest: re.Digest, LatencyMs: re.LatencyMs}, Hit
}

func (c *RedisCache) Verify(key, currentToolDigest string) bool {
	entry, outcome := c.Get(key)
	if outcome != Hit {
		return false
	}
	if entry.Digest == "" {
		return true
	}
	return entry.Digest == currentToolDigest
}

func (c *RedisCache) Set(key string, entry Entry) {
	if !c.enabled {
		return
	}
	outputJSON, err := json.Marshal(entry.Output)
	if err != nil {
		return
	}
	re := redisEntry{Output: outputJSON, CachedAt: entry.CachedAt, Digest: entry.Digest, LatencyMs: entry.LatencyMs}
	blob, err := json.Marshal(re)
	if err != nil {
		return
	}
	ctx := context.Background()
	_ = c.client.Set(ctx, key, blob, c.maxAge).Err()
}

func (c *RedisCache) InvalidateTool(toolName string) {
	ctx := context.Background()
	iter := c.client.Scan(ctx, 0, "tool:"+toolName+":*", 0).Iterator()
	for iter.Next(ctx) {
		_ = c.client.Del(ctx, iter.Val()).Err()
	}
}

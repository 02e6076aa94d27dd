package replaycache_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/requiem/core/pkg/ids"
	"github.com/requiem/core/pkg/replaycache"
)

func TestDisabledCacheIsNoop(t *testing.T) {
	clock := ids.NewFixedClock(time.Unix(0, 0))
	c := replaycache.New(clock, replaycache.Config{Enabled: false})
	key := c.Key("system.echo", map[string]any{"a": 1})
	c.Set(key, replaycache.Entry{Output: "x", CachedAt: clock.Now()})
	_, outcome := c.Get(key)
	require.Equal(t, replaycache.Miss, outcome)
}

func TestHitThenAgeEviction(t *testing.T) {
	clock := ids.NewFixedClock(time.Unix(0, 0))
	c := replaycache.New(clock, replaycache.Config{Enabled: true, MaxAgeMs: 1000})
	key := c.Key("system.echo", map[string]any{"a": 1})
	c.Set(key, replaycache.Entry{Output: "x", CachedAt: clock.Now(), Digest: "d1"})

	_, outcome := c.Get(key)
	require.Equal(t, replaycache.Hit, outcome)

	clock.Advance(2 * time.Second)
	_, outcome = c.Get(key)
	require.Equal(t, replaycache.Miss, outcome)
}

func TestDigestMismatchIsStale(t *testing.T) {
	clock := ids.NewFixedClock(time.Unix(0, 0))
	c := replaycache.New(clock, replaycache.Config{Enabled: true})
	key := c.Key("system.echo", map[string]any{"a": 1})
	c.Set(key, replaycache.Entry{Output: "x", CachedAt: clock.Now(), Digest: "old"})

	require.False(t, c.Verify(key, "new"))
	require.True(t, c.Verify(key, "old"))
}

func TestOldestFirstEviction(t *testing.T) {
	clock := ids.NewFixedClock(time.Unix(0, 0))
	c := replaycache.New(clock, replaycache.Config{Enabled: true, MaxEntries: 2})

	c.Set("k1", replaycache.Entry{Output: 1, CachedAt: clock.Now()})
	clock.Advance(time.Second)
	c.Set("k2", replaycache.Entry{Output: 2, CachedAt: clock.Now()})
	clock.Advance(time.Second)
	c.Set("k3", replaycache.Entry{Output: 3, CachedAt: clock.Now()})

	_, outcome := c.Get("k1")
	require.Equal(t, replaycache.Miss, outcome)
	_, outcome = c.Get("k3")
	require.Equal(t, replaycache.Hit, outcome)
}

func TestInvalidateTool(t *testing.T) {
	clock := ids.NewFixedClock(time.Unix(0, 0))
	c := replaycache.New(clock, replaycache.Config{Enabled: true})
	key := c.Key("system.echo", map[string]any{"a": 1})
	c.Set(key, replaycache.Entry{Output: "x", CachedAt: clock.Now()})

	c.InvalidateTool("system.echo")
	_, outcome := c.Get(key)
	require.Equal(t, replaycache.Miss, outcome)
}

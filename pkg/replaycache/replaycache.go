// Package replaycache implements the deterministic-tool result cache
// keyed by "tool:{name}:{input_hash_16hex}", with digest verification on
// hit and oldest-first eviction.
package replaycache

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/requiem/core/pkg/canon"
	"github.com/requiem/core/pkg/ids"
)

// Entry is the cached result for one (tool, input) pair.
type Entry struct {
	Output    any
	CachedAt  time.Time
	Digest    string
	LatencyMs int64
}

// Outcome is the result of a Get call.
type Outcome int

const (
	Miss Outcome = iota
	Hit
	Stale
)

// Cache is the replay cache contract.
type Cache interface {
	Key(toolName string, normalizedInput any) string
	Get(key string) (*Entry, Outcome)
	Verify(key, currentToolDigest string) bool
	Set(key string, entry Entry)
	InvalidateTool(toolName string)
	Enabled() bool
}

// InMemoryCache is the default Cache: single mutex, oldest-first eviction
// by insertion order, no-op when disabled.
type InMemoryCache struct {
	clock      ids.Clock
	maxAgeMs   int64
	maxEntries int
	enabled    bool

	mu      sync.Mutex
	entries map[string]Entry
	order   []string // insertion order, oldest first
}

// Config configures an InMemoryCache.
type Config struct {
	MaxAgeMs   int64 // default 3600 * 1000
	MaxEntries int   // default 10000
	Enabled    bool
}

// New constructs a cache with an injected clock. A disabled cache is a
// no-op for both Get and Set.
func New(clock ids.Clock, cfg Config) *InMemoryCache {
	if cfg.MaxAgeMs <= 0 {
		cfg.MaxAgeMs = 3600 * 1000
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}
	return &InMemoryCache{
		clock:      clock,
		maxAgeMs:   cfg.MaxAgeMs,
		maxEntries: cfg.MaxEntries,
		enabled:    cfg.Enabled,
		entries:    make(map[string]Entry),
	}
}

// Enabled reports whether the cache is active.
func (c *InMemoryCache) Enabled() bool { return c.enabled }

// Key derives the cache key for a deterministic tool call.
func (c *InMemoryCache) Key(toolName string, normalizedInput any) string {
	return "tool:" + toolName + ":" + canon.Hash16(normalizedInput)
}

// Get looks up key, evicting and reporting Miss if the entry has aged
// past MaxAgeMs.
func (c *InMemoryCache) Get(key string) (*Entry, Outcome) {
	if !c.enabled {
		return nil, Miss
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, Miss
	}
	ageMs := c.clock.Now().Sub(e.CachedAt).Milliseconds()
	if ageMs > c.maxAgeMs {
		c.evictLocked(key)
		return nil, Miss
	}
	entry := e
	return &entry, Hit
}

// Verify reports whether the entry behind key still matches
// currentToolDigest. An entry with an empty stored digest is always
// considered fresh (nothing to compare against).
func (c *InMemoryCache) Verify(key, currentToolDigest string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	if e.Digest == "" {
		return true
	}
	return e.Digest == currentToolDigest
}

// Set stores entry under key, evicting the oldest entry first if at
// capacity. A disabled cache ignores Set entirely.
func (c *InMemoryCache) Set(key string, entry Entry) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	if _, exists := c.entries[key]; !exists {
		c.order = append(c.order, key)
	}
	c.entries[key] = entry
}

func (c *InMemoryCache) evictOldestLocked() {
	if len(c.order) == 0 {
		return
	}
	sort.SliceStable(c.order, func(i, j int) bool {
		return c.entries[c.order[i]].CachedAt.Before(c.entries[c.order[j]].CachedAt)
	})
	oldest := c.order[0]
	c.evictLocked(oldest)
}

func (c *InMemoryCache) evictLocked(key string) {
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// InvalidateTool drops every cached entry for toolName.
func (c *InMemoryCache) InvalidateTool(toolName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := "tool:" + toolName + ":"
	var remaining []string
	for _, k := range c.order {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			continue
		}
		remaining = append(remaining, k)
	}
	c.order = remaining
}

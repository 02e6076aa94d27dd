package budget

import (
	"sync"

	"github.com/requiem/core/pkg/ids"
)

const defaultCapacity = 100

// TokenBucket is a clock-injected token bucket; refill is computed
// lazily from elapsed time since the last refill rather than via a
// background goroutine.
type TokenBucket struct {
	mu         sync.Mutex
	clock      ids.Clock
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill int64   // unix nanos, avoids importing time at call sites
}

// NewTokenBucket constructs a bucket with the given capacity and refill
// rate (tokens/second), sharing clock with the rest of the budget
// subsystem.
func NewTokenBucket(clock ids.Clock, capacity int, refillRatePerSec float64) *TokenBucket {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &TokenBucket{
		clock:      clock,
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: refillRatePerSec,
		lastRefill: clock.Now().UnixNano(),
	}
}

// Allow attempts to consume cost tokens, refilling first based on
// elapsed time.
func (tb *TokenBucket) Allow(cost int) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.clock.Now().UnixNano()
	elapsedSec := float64(now-tb.lastRefill) / 1e9
	if elapsedSec > 0 {
		tb.tokens += elapsedSec * tb.refillRate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}

	if tb.tokens >= float64(cost) {
		tb.tokens -= float64(cost)
		return true
	}
	return false
}

// RateLimiter owns one TokenBucket per tenant, guarded by a map mutex;
// each bucket is independently locked so tenants never contend.
type RateLimiter struct {
	clock    ids.Clock
	capacity int
	ratePerS float64

	mu      sync.Mutex
	buckets map[string]*TokenBucket
}

// NewRateLimiter constructs a per-tenant rate limiter sharing clock with
// the budget checker.
func NewRateLimiter(clock ids.Clock, capacity int, ratePerSec float64) *RateLimiter {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &RateLimiter{clock: clock, capacity: capacity, ratePerS: ratePerSec, buckets: make(map[string]*TokenBucket)}
}

// Allow consumes one token for tenantID, creating its bucket on first
// use.
func (r *RateLimiter) Allow(tenantID string) bool {
	r.mu.Lock()
	tb, ok := r.buckets[tenantID]
	if !ok {
		tb = NewTokenBucket(r.clock, r.capacity, r.ratePerS)
		r.buckets[tenantID] = tb
	}
	r.mu.Unlock()
	return tb.Allow(1)
}

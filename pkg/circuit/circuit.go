// Package circuit implements the per-model closed/open/half-open circuit
// breaker that gates arbitration candidates.
package circuit

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/requiem/core/pkg/errs"
	"github.com/requiem/core/pkg/ids"
)

// State is the breaker's closed/open/half-open state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

const (
	defaultFailureThreshold = 5
	defaultWindow           = 30 * time.Second
	defaultCooldown         = 10 * time.Second
)

// Config tunes one breaker's thresholds.
type Config struct {
	FailureThreshold int           // failures within Window before tripping open
	Window           time.Duration // sliding window for counting failures
	Cooldown         time.Duration // time spent open before a half-open probe is allowed
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.Window <= 0 {
		c.Window = defaultWindow
	}
	if c.Cooldown <= 0 {
		c.Cooldown = defaultCooldown
	}
	return c
}

type breaker struct {
	mu               sync.Mutex
	state            State
	failures         []time.Time // timestamps within the sliding window
	openedAt         time.Time
	probeInFlight    bool
	cooldownBackoff  *backoff.ExponentialBackOff
	effectiveCooldown time.Duration
}

func newBreaker(cfg Config) *breaker {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.Cooldown
	bo.MaxInterval = cfg.Cooldown * 8
	bo.Multiplier = 2
	return &breaker{state: StateClosed, cooldownBackoff: bo, effectiveCooldown: cfg.Cooldown}
}

// Breaker tracks one circuit keyed by "provider:model", each independently
// mutex-guarded so models never contend with each other.
type Breaker struct {
	clock  ids.Clock
	config func(key string) Config

	mu       sync.RWMutex
	breakers map[string]*breaker
}

// New constructs a Breaker sharing clock with the rest of the budget/rate
// limiter stack, with a per-key config resolver.
func New(clock ids.Clock, config func(key string) Config) *Breaker {
	return &Breaker{clock: clock, config: config, breakers: make(map[string]*breaker)}
}

func (b *Breaker) forKey(key string) *breaker {
	b.mu.RLock()
	br, ok := b.breakers[key]
	b.mu.RUnlock()
	if ok {
		return br
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if br, ok := b.breakers[key]; ok {
		return br
	}
	br = newBreaker(b.config(key).withDefaults())
	b.breakers[key] = br
	return br
}

// Check raises circuit_open if key's breaker is open and the cooldown has
// not elapsed. A half-open probe is allowed exactly once per cooldown
// period; concurrent callers during the probe window all see the
// breaker as open to avoid a probe stampede.
func (b *Breaker) Check(key string) *errs.Error {
	br := b.forKey(key)
	br.mu.Lock()
	defer br.mu.Unlock()

	switch br.state {
	case StateOpen:
		now := b.clock.Now()
		if now.Sub(br.openedAt) < br.effectiveCooldown {
			return errs.CircuitOpen(key)
		}
		if br.probeInFlight {
			return errs.CircuitOpen(key)
		}
		br.state = StateHalfOpen
		br.probeInFlight = true
		return nil
	case StateHalfOpen:
		if br.probeInFlight {
			return errs.CircuitOpen(key)
		}
		return nil
	default:
		return nil
	}
}

// RecordSuccess closes the breaker and clears failure history.
func (b *Breaker) RecordSuccess(key string) {
	br := b.forKey(key)
	br.mu.Lock()
	defer br.mu.Unlock()
	br.state = StateClosed
	br.failures = nil
	br.probeInFlight = false
}

// RecordFailure appends a failure timestamp, prunes the sliding window,
// and trips the breaker open if the threshold is exceeded. A failure
// during a half-open probe re-opens immediately.
func (b *Breaker) RecordFailure(key string) {
	cfg := b.config(key).withDefaults()
	br := b.forKey(key)
	br.mu.Lock()
	defer br.mu.Unlock()

	now := b.clock.Now()
	if br.state == StateHalfOpen {
		br.state = StateOpen
		br.openedAt = now
		br.probeInFlight = false
		// A probe failure means the backend is still unhealthy; escalate
		// the cooldown via the exponential backoff curve instead of
		// retrying at the same fixed interval.
		if next := br.cooldownBackoff.NextBackOff(); next > 0 {
			br.effectiveCooldown = next
		}
		return
	}

	br.failures = append(br.failures, now)
	cutoff := now.Add(-cfg.Window)
	pruned := br.failures[:0]
	for _, f := range br.failures {
		if f.After(cutoff) {
			pruned = append(pruned, f)
		}
	}
	br.failures = pruned

	if len(br.failures) >= cfg.FailureThreshold {
		br.state = StateOpen
		br.openedAt = now
		br.effectiveCooldown = cfg.Cooldown
	}
}

// StateOf returns the current state of key's breaker (Closed if never
// touched).
func (b *Breaker) StateOf(key string) State {
	br := b.forKey(key)
	br.mu.Lock()
	defer br.mu.Unlock()
	return br.state
}

// ResetForTest clears all breaker state. Strictly for test reset.
func (b *Breaker) ResetForTest() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.breakers = make(map[string]*breaker)
}

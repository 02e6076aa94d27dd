// Package budget implements the atomic per-tenant windowed cost/token
// quota and the token-bucket rate limiter, both driven by an injected
// clock so tests can pin time without sleeping.
package budget

import (
	"sync"
	"time"

	"github.com/requiem/core/pkg/errs"
	"github.com/requiem/core/pkg/ids"
)

// Config is a per-tenant budget configuration.
type Config struct {
	MaxCostCents  int64
	MaxTokens     int64 // 0 means unconstrained
	WindowSeconds int64
}

// State is the per-tenant, per-window accumulator.
type State struct {
	WindowStartedAt   time.Time
	AccumulatedCost   int64
	AccumulatedTokens int64
	RequestCounter    int64
}

// Decision is the outcome of a budget check.
type Decision struct {
	Allowed bool
	Reason  string
}

// Checker is the budget checker contract. Check must be atomic: lookup,
// roll the window if expired, compute projected usage, then either debit
// and allow, or deny without debiting.
type Checker interface {
	Check(tenantID string, costCents int64) (Decision, *errs.Error)
	CheckTokens(tenantID string, costCents, tokens int64) (Decision, *errs.Error)
	State(tenantID string) State
}

type tenantLock struct {
	mu    sync.Mutex
	state State
}

// AtomicChecker is the sole production Checker: a mutex per tenant
// partition, never held across I/O, always fail-closed on internal
// error.
type AtomicChecker struct {
	clock   ids.Clock
	configs func(tenantID string) Config

	mu       sync.RWMutex
	tenants  map[string]*tenantLock
}

// NewAtomicChecker constructs a checker with an injected clock and a
// per-tenant config resolver.
func NewAtomicChecker(clock ids.Clock, configs func(tenantID string) Config) *AtomicChecker {
	return &AtomicChecker{
		clock:   clock,
		configs: configs,
		tenants: make(map[string]*tenantLock),
	}
}

func (c *AtomicChecker) lockFor(tenantID string) *tenantLock {
	c.mu.RLock()
	tl, ok := c.tenants[tenantID]
	c.mu.RUnlock()
	if ok {
		return tl
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if tl, ok := c.tenants[tenantID]; ok {
		return tl
	}
	tl = &tenantLock{}
	c.tenants[tenantID] = tl
	return tl
}

// Check performs an atomic cost-only check-and-debit.
func (c *AtomicChecker) Check(tenantID string, costCents int64) (Decision, *errs.Error) {
	return c.CheckTokens(tenantID, costCents, 0)
}

// CheckTokens performs an atomic check-and-debit of both cost and token
// usage. window_seconds = 0 rolls the window on every call, making the
// budget effectively per-call.
func (c *AtomicChecker) CheckTokens(tenantID string, costCents, tokens int64) (Decision, *errs.Error) {
	if tenantID == "" {
		return Decision{}, errs.TenantRequired()
	}
	cfg := c.configs(tenantID)

	tl := c.lockFor(tenantID)
	tl.mu.Lock()
	defer tl.mu.Unlock()

	now := c.clock.Now()
	if tl.state.WindowStartedAt.IsZero() || windowExpired(now, tl.state.WindowStartedAt, cfg.WindowSeconds) {
		tl.state = State{WindowStartedAt: now}
	}

	projectedCost := tl.state.AccumulatedCost + costCents
	projectedTokens := tl.state.AccumulatedTokens + tokens

	if projectedCost > cfg.MaxCostCents {
		return Decision{Allowed: false, Reason: "cost limit exceeded"}, nil
	}
	if cfg.MaxTokens > 0 && projectedTokens > cfg.MaxTokens {
		return Decision{Allowed: false, Reason: "token limit exceeded"}, nil
	}

	tl.state.AccumulatedCost = projectedCost
	tl.state.AccumulatedTokens = projectedTokens
	tl.state.RequestCounter++

	return Decision{Allowed: true, Reason: "within limits"}, nil
}

func windowExpired(now, windowStartedAt time.Time, windowSeconds int64) bool {
	if windowSeconds <= 0 {
		return true
	}
	return now.Sub(windowStartedAt) > time.Duration(windowSeconds)*time.Second
}

// State returns a snapshot of tenantID's current window state.
func (c *AtomicChecker) State(tenantID string) State {
	tl := c.lockFor(tenantID)
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.state
}

// ResetForTest clears all tenant state. Strictly for test reset.
func (c *AtomicChecker) ResetForTest() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tenants = make(map[string]*tenantLock)
}

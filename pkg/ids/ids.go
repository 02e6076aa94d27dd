// Package ids provides prefixed identifiers, an injectable clock, and the
// small closed-set value types shared across the runtime (tenant role,
// environment, invocation context).
package ids

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Clock abstracts wall time so every time-sensitive component (budgets,
// rate limiter, cache expiry, circuit breaker) takes it via constructor
// instead of calling time.Now directly.
type Clock interface {
	Now() time.Time
}

// WallClock is the production Clock backed by the system clock.
type WallClock struct{}

// Now returns the current UTC time.
func (WallClock) Now() time.Time { return time.Now().UTC() }

// FixedClock is a Clock that always returns the same instant, and can be
// advanced explicitly. Tests use this to pin time without sleeping.
type FixedClock struct {
	t time.Time
}

// NewFixedClock returns a FixedClock pinned at t (normalized to UTC).
func NewFixedClock(t time.Time) *FixedClock {
	return &FixedClock{t: t.UTC()}
}

// Now returns the pinned instant.
func (c *FixedClock) Now() time.Time { return c.t }

// Advance moves the pinned instant forward by d.
func (c *FixedClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// Set pins the clock to an arbitrary instant.
func (c *FixedClock) Set(t time.Time) { c.t = t.UTC() }

// NewID returns an identifier of the form "{prefix}_{ULID}". The prefix is
// not validated; callers own their own prefix vocabulary (e.g. "mem",
// "trace", "req").
func NewID(prefix string) string {
	return prefix + "_" + newULID()
}

func newULID() string {
	ms := ulid.Timestamp(time.Now())
	id, err := ulid.New(ms, rand.Reader)
	if err != nil {
		// entropy exhaustion is not recoverable; a monotonic fallback keeps
		// id generation total rather than panicking callers.
		return fmt.Sprintf("%016x%08x", ms, time.Now().UnixNano())
	}
	return id.String()
}

// Now returns the current instant formatted as RFC-3339 UTC.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// NowFrom returns clock's current instant formatted as RFC-3339 UTC.
func NowFrom(clock Clock) string {
	return clock.Now().UTC().Format(time.RFC3339Nano)
}

// Role is the closed set of tenant roles.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

// Valid reports whether r is one of the closed role values.
func (r Role) Valid() bool {
	switch r {
	case RoleViewer, RoleMember, RoleAdmin:
		return true
	}
	return false
}

// Environment is the closed set of deployment environments.
type Environment string

const (
	EnvTest        Environment = "test"
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// Valid reports whether e is one of the closed environment values.
func (e Environment) Valid() bool {
	switch e {
	case EnvTest, EnvDevelopment, EnvProduction:
		return true
	}
	return false
}

// Tenant identifies the caller's tenancy and authenticated role. Role must
// come from an authenticated upstream source — never from request bodies.
type Tenant struct {
	TenantID  string    `json:"tenant_id"`
	UserID    string    `json:"user_id"`
	Role      Role      `json:"role"`
	DerivedAt time.Time `json:"derived_at"`
}

// InvocationContext is immutable per call and carries no wall-clock reads
// of its own; CreatedAt is stamped by the caller from an injected clock.
type InvocationContext struct {
	Tenant      Tenant      `json:"tenant"`
	ActorID     string      `json:"actor_id"`
	TraceID     string      `json:"trace_id"`
	Environment Environment `json:"environment"`
	CreatedAt   time.Time   `json:"created_at"`

	// Capabilities is derived from Tenant.Role upstream of the policy
	// gate; it is not part of the wire contract but is carried alongside
	// the context for convenience once derived.
	Capabilities []string `json:"-"`
}

// Valid reports whether the context satisfies its structural invariants:
// non-empty tenant id and a recognized role/environment.
func (c InvocationContext) Valid() bool {
	return strings.TrimSpace(c.Tenant.TenantID) != "" &&
		c.Tenant.Role.Valid() &&
		c.Environment.Valid()
}

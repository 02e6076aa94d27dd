// Package guardrails implements the ordered, first-deny-wins rule list
// that sits between role/capability checks and the budget pre-check in
// the policy gate.
package guardrails

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/requiem/core/pkg/budget"
	"github.com/requiem/core/pkg/ids"
)

// Tool is the subset of a tool definition guardrails need to see.
type Tool struct {
	Name         string
	SideEffect   bool
	TenantScoped bool
}

// Decision mirrors the policy Decision shape for a single rule's
// contribution.
type Decision struct {
	Allowed      bool
	Reason       string
	MatchedRules []string
}

// Effect is the action a rule prescribes. Transform is reserved for
// future parameter rewriting and is never produced by the default
// rule set.
type Effect string

const (
	EffectAllow     Effect = "allow"
	EffectDeny      Effect = "deny"
	EffectTransform Effect = "transform"
)

// Rule evaluates one guardrail against a context/tool pair.
type Rule struct {
	Name   string
	Check  func(ctx ids.InvocationContext, tool Tool) (Effect, string)
}

// Chain is an ordered, first-deny-wins list of rules.
type Chain struct {
	rules []Rule
}

// New constructs an empty chain; use DefaultRules to populate the
// baseline set.
func New(rules ...Rule) *Chain {
	return &Chain{rules: rules}
}

// Evaluate runs every rule in order, stopping at the first deny.
func (c *Chain) Evaluate(ctx ids.InvocationContext, tool Tool) Decision {
	matched := make([]string, 0, 2)
	for _, r := range c.rules {
		effect, reason := r.Check(ctx, tool)
		switch effect {
		case EffectDeny:
			matched = append(matched, r.Name)
			return Decision{Allowed: false, Reason: reason, MatchedRules: matched}
		case EffectTransform:
			matched = append(matched, r.Name)
		case EffectAllow:
			// fall through to next rule
		}
	}
	return Decision{Allowed: true, Reason: "no guardrail matched", MatchedRules: matched}
}

// hardBannedTools are never invocable regardless of role.
var hardBannedTools = map[string]bool{
	"run_shell": true,
	"exec":      true,
	"eval_code": true,
}

// DenySideEffectForViewer forbids side-effect tools for the viewer role.
func DenySideEffectForViewer() Rule {
	return Rule{
		Name: "deny_side_effect_for_viewer",
		Check: func(ctx ids.InvocationContext, tool Tool) (Effect, string) {
			if tool.SideEffect && ctx.Tenant.Role == ids.RoleViewer {
				return EffectDeny, "viewers may not invoke side-effecting tools"
			}
			return EffectAllow, ""
		},
	}
}

// RateLimitPerTenant denies once a tenant's token bucket is exhausted.
// Sharing budget's RateLimiter keeps the refill math and clock
// injection identical between the budget package and guardrails.
func RateLimitPerTenant(limiter *budget.RateLimiter) Rule {
	return Rule{
		Name: "rate_limit_per_tenant",
		Check: func(ctx ids.InvocationContext, tool Tool) (Effect, string) {
			if !limiter.Allow(ctx.Tenant.TenantID) {
				return EffectDeny, "tenant rate limit exceeded"
			}
			return EffectAllow, ""
		},
	}
}

// DenyHardBannedTools refuses a fixed set of tool names outright.
func DenyHardBannedTools() Rule {
	return Rule{
		Name: "deny_hard_banned_tools",
		Check: func(ctx ids.InvocationContext, tool Tool) (Effect, string) {
			if hardBannedTools[tool.Name] {
				return EffectDeny, fmt.Sprintf("tool %q is hard-banned", tool.Name)
			}
			return EffectAllow, ""
		},
	}
}

// RequireTenantForScopedTools denies tenant-scoped tools when no
// tenant is present on the context.
func RequireTenantForScopedTools() Rule {
	return Rule{
		Name: "require_tenant_for_scoped_tools",
		Check: func(ctx ids.InvocationContext, tool Tool) (Effect, string) {
			if tool.TenantScoped && ctx.Tenant.TenantID == "" {
				return EffectDeny, "tenant_scoped tool requires a tenant"
			}
			return EffectAllow, ""
		},
	}
}

// DefaultRules returns the four baseline rules in the fixed evaluation
// order: side-effect/viewer, rate limit, hard-banned names, tenant
// presence.
func DefaultRules(limiter *budget.RateLimiter) []Rule {
	return []Rule{
		DenySideEffectForViewer(),
		RateLimitPerTenant(limiter),
		DenyHardBannedTools(),
		RequireTenantForScopedTools(),
	}
}

// NewDefaultChain builds a Chain from DefaultRules.
func NewDefaultChain(limiter *budget.RateLimiter) *Chain {
	return New(DefaultRules(limiter)...)
}

var celEnv = sync.OnceValues(func() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("role", cel.StringType),
		cel.Variable("tenant_id", cel.StringType),
		cel.Variable("tool_name", cel.StringType),
		cel.Variable("side_effect", cel.BoolType),
		cel.Variable("tenant_scoped", cel.BoolType),
	)
})

// CELRule compiles a boolean CEL expression into a denying guardrail:
// the rule denies whenever expr evaluates true against the context/tool
// pair's exported fields (role, tenant_id, tool_name, side_effect,
// tenant_scoped). Operators embedding a tenant-authored policy string
// use this instead of adding a bespoke Go rule per tenant.
func CELRule(name, expr string) (Rule, error) {
	env, err := celEnv()
	if err != nil {
		return Rule{}, fmt.Errorf("guardrails: cel environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return Rule{}, fmt.Errorf("guardrails: compiling rule %q: %w", name, issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return Rule{}, fmt.Errorf("guardrails: building program for rule %q: %w", name, err)
	}
	return Rule{
		Name: name,
		Check: func(ctx ids.InvocationContext, tool Tool) (Effect, string) {
			out, _, err := prg.Eval(map[string]any{
				"role":          string(ctx.Tenant.Role),
				"tenant_id":     ctx.Tenant.TenantID,
				"tool_name":     tool.Name,
				"side_effect":   tool.SideEffect,
				"tenant_scoped": tool.TenantScoped,
			})
			if err != nil {
				return EffectDeny, fmt.Sprintf("guardrail %q failed to evaluate: %v", name, err)
			}
			if matched, ok := out.Value().(bool); ok && matched {
				return EffectDeny, fmt.Sprintf("guardrail %q matched", name)
			}
			return EffectAllow, ""
		},
	}, nil
}

// Package policy composes the fixed-order checks that decide whether an
// invocation is admitted: tenant presence, role vs side-effect, required
// capabilities, guardrails, and a budget pre-check. It never debits the
// budget itself — the pipeline does that only once it commits to
// executing.
package policy

import (
	"github.com/requiem/core/pkg/budget"
	"github.com/requiem/core/pkg/errs"
	"github.com/requiem/core/pkg/guardrails"
	"github.com/requiem/core/pkg/ids"
)

// Decision is the outcome of evaluate_policy.
type Decision struct {
	Allowed      bool
	Reason       string
	MatchedRules []string
	Obligations  map[string]any
}

// Tool is the subset of a tool definition the gate needs.
type Tool struct {
	Name                 string
	SideEffect           bool
	TenantScoped         bool
	RequiredCapabilities []string
	CostCents            int64
}

// capabilitiesByRole is the role → capability set resolved once at
// context-derivation time upstream; the gate treats it as already
// attached to the context (ids.InvocationContext.Capabilities) but
// exposes the default table so callers deriving contexts have a single
// source of truth.
var capabilitiesByRole = map[ids.Role][]string{
	ids.RoleViewer: {"read"},
	ids.RoleMember: {"read", "write", "invoke"},
	ids.RoleAdmin:  {"read", "write", "invoke", "side_effect", "admin"},
}

// CapabilitiesForRole returns the default capability set granted to
// role.
func CapabilitiesForRole(role ids.Role) []string {
	caps, ok := capabilitiesByRole[role]
	if !ok {
		return nil
	}
	out := make([]string, len(caps))
	copy(out, caps)
	return out
}

// DeriveContext attaches the default capability set for ctx.Tenant.Role
// if Capabilities is unset.
func DeriveContext(ctx ids.InvocationContext) ids.InvocationContext {
	if ctx.Capabilities == nil {
		ctx.Capabilities = CapabilitiesForRole(ctx.Tenant.Role)
	}
	return ctx
}

func hasAll(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, h := range have {
		set[h] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}

// Gate composes the fixed evaluation order used for every tool invocation.
type Gate struct {
	guardrails *guardrails.Chain
	budget     budget.Checker
}

// New constructs a Gate from its guardrail chain and budget checker.
func New(chain *guardrails.Chain, checker budget.Checker) *Gate {
	return &Gate{guardrails: chain, budget: checker}
}

// Evaluate runs, in fixed order: tenant presence, role vs side-effect,
// capability subset, guardrails, budget pre-check. The budget check here
// is a dry pre-check only if costCents is zero; non-zero cost is treated
// as a genuine check against the current window, matching the budget checker's
// lookup-then-decide semantics (debit happens at pipeline commit, not
// here, so the gate stays pure for a given budget snapshot — callers
// that want a true no-op preview should pass a zero cost hint).
func (g *Gate) Evaluate(ctx ids.InvocationContext, tool Tool) (Decision, *errs.Error) {
	ctx = DeriveContext(ctx)

	if tool.TenantScoped && ctx.Tenant.TenantID == "" {
		return Decision{Allowed: false, Reason: "tenant_scoped tool requires a tenant", MatchedRules: []string{"tenant_required"}}, nil
	}

	if tool.SideEffect && ctx.Tenant.Role == ids.RoleViewer {
		return Decision{Allowed: false, Reason: "viewers may not invoke side-effecting tools", MatchedRules: []string{"role_side_effect"}}, nil
	}

	if !hasAll(ctx.Capabilities, tool.RequiredCapabilities) {
		return Decision{Allowed: false, Reason: "missing required capability", MatchedRules: []string{"capability_missing"}}, nil
	}

	grTool := guardrails.Tool{Name: tool.Name, SideEffect: tool.SideEffect, TenantScoped: tool.TenantScoped}
	if gd := g.guardrails.Evaluate(ctx, grTool); !gd.Allowed {
		return Decision{Allowed: false, Reason: gd.Reason, MatchedRules: gd.MatchedRules}, nil
	}

	bd, ferr := g.budget.Check(ctx.Tenant.TenantID, tool.CostCents)
	if ferr != nil {
		return Decision{}, ferr
	}
	if !bd.Allowed {
		obligations := map[string]any{"tenant_id": ctx.Tenant.TenantID, "cost_cents": tool.CostCents}
		return Decision{Allowed: false, Reason: bd.Reason, MatchedRules: []string{"budget_exceeded"}, Obligations: obligations}, nil
	}

	return Decision{Allowed: true, Reason: "policy satisfied"}, nil
}

// ErrorFor maps a denied Decision to the typed error the pipeline
// surfaces to the caller.
func ErrorFor(d Decision, tool Tool) *errs.Error {
	if d.Allowed {
		return nil
	}
	if len(d.MatchedRules) == 0 {
		return errs.PolicyDenied(d.Reason, tool.Name)
	}
	switch d.MatchedRules[0] {
	case "tenant_required":
		return errs.TenantRequired()
	case "capability_missing":
		return errs.CapabilityMissing(d.Reason)
	case "budget_exceeded":
		tenantID, _ := d.Obligations["tenant_id"].(string)
		costCents, _ := d.Obligations["cost_cents"].(int64)
		return errs.BudgetExceeded(tenantID, costCents, 0)
	default:
		return errs.PolicyDenied(d.Reason, tool.Name)
	}
}

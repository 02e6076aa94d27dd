package guardrails_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/requiem/core/pkg/budget"
	"github.com/requiem/core/pkg/guardrails"
	"github.com/requiem/core/pkg/ids"
)

func ctxWith(role ids.Role, tenantID string) ids.InvocationContext {
	return ids.InvocationContext{
		Tenant:      ids.Tenant{TenantID: tenantID, Role: role},
		Environment: ids.EnvTest,
	}
}

func TestViewerDeniedSideEffectTool(t *testing.T) {
	clock := ids.NewFixedClock(time.Unix(0, 0))
	chain := guardrails.NewDefaultChain(budget.NewRateLimiter(clock, 100, 1))

	d := chain.Evaluate(ctxWith(ids.RoleViewer, "t1"), guardrails.Tool{Name: "send_email", SideEffect: true, TenantScoped: true})
	require.False(t, d.Allowed)
	require.Contains(t, d.MatchedRules, "deny_side_effect_for_viewer")
}

func TestMemberAllowedSideEffectTool(t *testing.T) {
	clock := ids.NewFixedClock(time.Unix(0, 0))
	chain := guardrails.NewDefaultChain(budget.NewRateLimiter(clock, 100, 1))

	d := chain.Evaluate(ctxWith(ids.RoleMember, "t1"), guardrails.Tool{Name: "send_email", SideEffect: true, TenantScoped: true})
	require.True(t, d.Allowed)
}

func TestHardBannedToolAlwaysDenied(t *testing.T) {
	clock := ids.NewFixedClock(time.Unix(0, 0))
	chain := guardrails.NewDefaultChain(budget.NewRateLimiter(clock, 100, 1))

	d := chain.Evaluate(ctxWith(ids.RoleAdmin, "t1"), guardrails.Tool{Name: "run_shell"})
	require.False(t, d.Allowed)
	require.Contains(t, d.MatchedRules, "deny_hard_banned_tools")
}

func TestTenantScopedToolRequiresTenant(t *testing.T) {
	clock := ids.NewFixedClock(time.Unix(0, 0))
	chain := guardrails.NewDefaultChain(budget.NewRateLimiter(clock, 100, 1))

	d := chain.Evaluate(ctxWith(ids.RoleAdmin, ""), guardrails.Tool{Name: "list_files", TenantScoped: true})
	require.False(t, d.Allowed)
	require.Contains(t, d.MatchedRules, "require_tenant_for_scoped_tools")
}

func TestRateLimitDeniesAfterCapacityExhausted(t *testing.T) {
	clock := ids.NewFixedClock(time.Unix(0, 0))
	chain := guardrails.NewDefaultChain(budget.NewRateLimiter(clock, 1, 0.001))

	d := chain.Evaluate(ctxWith(ids.RoleAdmin, "t1"), guardrails.Tool{Name: "noop"})
	require.True(t, d.Allowed)

	d = chain.Evaluate(ctxWith(ids.RoleAdmin, "t1"), guardrails.Tool{Name: "noop"})
	require.False(t, d.Allowed)
	require.Contains(t, d.MatchedRules, "rate_limit_per_tenant")
}

func TestFirstDenyWinsStopsEvaluation(t *testing.T) {
	clock := ids.NewFixedClock(time.Unix(0, 0))
	chain := guardrails.NewDefaultChain(budget.NewRateLimiter(clock, 100, 1))

	d := chain.Evaluate(ctxWith(ids.RoleViewer, "t1"), guardrails.Tool{Name: "run_shell", SideEffect: true})
	require.False(t, d.Allowed)
	require.Len(t, d.MatchedRules, 1)
	require.Equal(t, "deny_side_effect_for_viewer", d.MatchedRules[0])
}

func TestCELRuleDeniesOnMatch(t *testing.T) {
	rule, err := guardrails.CELRule("deny_tenant_x", `tenant_id == "tenant-x"`)
	require.NoError(t, err)
	chain := guardrails.New(rule)

	d := chain.Evaluate(ctxWith(ids.RoleAdmin, "tenant-x"), guardrails.Tool{Name: "noop"})
	require.False(t, d.Allowed)
	require.Equal(t, []string{"deny_tenant_x"}, d.MatchedRules)

	d = chain.Evaluate(ctxWith(ids.RoleAdmin, "tenant-y"), guardrails.Tool{Name: "noop"})
	require.True(t, d.Allowed)
}

func TestCELRuleRejectsInvalidExpression(t *testing.T) {
	_, err := guardrails.CELRule("broken", `tenant_id ===`)
	require.Error(t, err)
}

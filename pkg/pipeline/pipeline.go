// Package pipeline implements invoke_tool_with_policy, the single
// orchestration path every tool call runs through: resolve, validate,
// gate, replay, execute, and record.
package pipeline

import (
	"context"

	"github.com/requiem/core/pkg/budget"
	"github.com/requiem/core/pkg/canon"
	"github.com/requiem/core/pkg/envelope"
	"github.com/requiem/core/pkg/errs"
	"github.com/requiem/core/pkg/ids"
	"github.com/requiem/core/pkg/policy"
	"github.com/requiem/core/pkg/redact"
	"github.com/requiem/core/pkg/replaycache"
	"github.com/requiem/core/pkg/sandbox"
	"github.com/requiem/core/pkg/telemetry"
	"github.com/requiem/core/pkg/toolregistry"
)

// Versions are stamped on every emitted envelope. A running process sets
// these once at startup.
type Versions struct {
	SchemaVersion   string
	EngineVersion   string
	PlatformVersion string
}

// Pipeline composes every component invoke_tool_with_policy needs. None
// of its fields are optional; Gate, Budget, and Cache may all reject or
// short-circuit a call, but the pipeline itself never substitutes a
// default for a missing dependency.
type Pipeline struct {
	Registry *toolregistry.Registry
	Depth    *sandbox.Tracker
	Gate     *policy.Gate
	Budget   budget.Checker
	Cache    replaycache.Cache
	Sink     telemetry.Sink
	Clock    ids.Clock
	Redactor *redact.Redactor
	Versions Versions
}

// New constructs a Pipeline from its already-built dependencies.
func New(registry *toolregistry.Registry, depth *sandbox.Tracker, gate *policy.Gate, checker budget.Checker, cache replaycache.Cache, sink telemetry.Sink, clock ids.Clock, redactor *redact.Redactor, versions Versions) *Pipeline {
	return &Pipeline{
		Registry: registry,
		Depth:    depth,
		Gate:     gate,
		Budget:   checker,
		Cache:    cache,
		Sink:     sink,
		Clock:    clock,
		Redactor: redactor,
		Versions: versions,
	}
}

// Invoke runs invoke_tool_with_policy for one call, returning the
// execution envelope on success or a typed error on any rejection.
func (p *Pipeline) Invoke(ctx context.Context, invCtx ids.InvocationContext, toolName string, input map[string]any) (*envelope.ExecutionEnvelope, *errs.Error) {
	invCtx = policy.DeriveContext(invCtx)
	started := p.Clock.Now()

	// 1. resolve tool
	def, exec, ferr := p.Registry.Get(toolName, invCtx.Tenant.TenantID)
	if ferr != nil {
		return nil, ferr
	}

	// 2. validate input against the tool's schema
	if vr, ferr := p.Registry.ValidateInput(toolName, input); ferr != nil {
		return nil, ferr
	} else if !vr.Valid {
		return nil, errs.ToolSchemaViolation(toolName, vr.Errors)
	}

	// 3. check_depth/release_depth around the whole call
	if ferr := p.Depth.CheckDepth(invCtx.TraceID); ferr != nil {
		return nil, ferr
	}
	defer p.Depth.ReleaseDepth(invCtx.TraceID)

	// 4. policy gate — a zero-cost pre-check; the real debit happens below
	// only on a cache miss, so a deterministic replay never pays twice.
	gateTool := policy.Tool{
		Name:                 def.Name,
		SideEffect:           def.SideEffect,
		TenantScoped:         def.TenantScoped,
		RequiredCapabilities: def.RequiredCapabilities,
		CostCents:            0,
	}
	decision, ferr := p.Gate.Evaluate(invCtx, gateTool)
	if ferr != nil {
		return nil, ferr
	}
	if !decision.Allowed {
		return nil, policy.ErrorFor(decision, gateTool)
	}

	normalizedInput := canon.Normalize(input)
	cacheKey := ""
	var output map[string]any
	fromCache := false

	// 5. replay cache lookup + digest verification on a deterministic hit
	if def.Deterministic && p.Cache.Enabled() {
		cacheKey = p.Cache.Key(toolName, normalizedInput)
		if entry, outcome := p.Cache.Get(cacheKey); outcome == replaycache.Hit && p.Cache.Verify(cacheKey, def.Digest) {
			if out, ok := entry.Output.(map[string]any); ok {
				output = out
				fromCache = true
			}
		}
	}

	if !fromCache {
		// 6. budget debit + execute on a miss
		bd, ferr := p.Budget.Check(invCtx.Tenant.TenantID, def.CostHint.CostCents)
		if ferr != nil {
			return nil, ferr
		}
		if !bd.Allowed {
			return nil, errs.BudgetExceeded(invCtx.Tenant.TenantID, def.CostHint.CostCents, 0)
		}

		result, err := exec(ctx, input)
		if err != nil {
			return nil, errs.ToolExecutionFailed(toolName, err)
		}
		output = result
	}

	// 7. validate output against schema and enforce the output byte cap
	if vr, ferr := p.Registry.ValidateOutput(toolName, output); ferr != nil {
		return nil, ferr
	} else if !vr.Valid {
		return nil, errs.ToolOutputInvalid(toolName, "output failed schema validation")
	}
	outputBytes, err := canon.Bytes(canon.Normalize(output))
	if err != nil {
		return nil, errs.Internal("pipeline", err)
	}
	if ferr := sandbox.CheckOutputSize(toolName, outputBytes, def.OutputMaxBytes); ferr != nil {
		return nil, ferr
	}

	ended := p.Clock.Now()
	latencyMs := ended.Sub(started).Milliseconds()
	timestamp := ids.NowFrom(p.Clock)

	// 8. compute the result digest and populate the replay cache on a miss
	resultDigest := canon.ToolResultDigest(canon.ToolResultDigestInput{
		Output:      output,
		ToolName:    def.Name,
		ToolVersion: def.Version,
		LatencyMs:   latencyMs,
		Timestamp:   timestamp,
	})
	if def.Deterministic && p.Cache.Enabled() && !fromCache {
		p.Cache.Set(cacheKey, replaycache.Entry{
			Output:    output,
			CachedAt:  ended,
			Digest:    def.Digest,
			LatencyMs: latencyMs,
		})
	}

	requestID := ids.NewID("req")

	// 9. telemetry span + cost record
	p.Sink.Span(telemetry.Span{
		Name:      "invoke_tool",
		TraceID:   invCtx.TraceID,
		StartedAt: started,
		EndedAt:   ended,
		Status:    "ok",
		Attributes: map[string]any{
			"tool_name":  toolName,
			"tenant_id":  invCtx.Tenant.TenantID,
			"from_cache": fromCache,
		},
	})
	if def.CostHint.CostCents > 0 && !fromCache {
		p.Sink.RecordCost(telemetry.CostRecord{
			TenantID:  invCtx.Tenant.TenantID,
			CostCents: def.CostHint.CostCents,
			Timestamp: ended,
		})
	}

	env := &envelope.ExecutionEnvelope{
		Header:        envelope.NewHeader(p.Clock, p.Versions.SchemaVersion, p.Versions.EngineVersion, p.Versions.PlatformVersion),
		Hash:          resultDigest,
		ToolName:      def.Name,
		ToolVersion:   def.Version,
		TenantID:      invCtx.Tenant.TenantID,
		RequestID:     requestID,
		Deterministic: def.Deterministic,
		FromCache:     fromCache,
		DurationMs:    latencyMs,
		Result:        p.Redactor.Value(output),
	}

	// 10. redact and return
	return env, nil
}

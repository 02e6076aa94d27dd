// Package errs defines the closed, stable error taxonomy used at every
// boundary of the runtime: a typed sum variant with severity, retryability,
// and a safe-serialization form that never leaks cause chains or internal
// metadata.
package errs

import (
	"encoding/json"
	"fmt"
)

// Code is a stable, additive-only error kind. The enumeration below must
// never have entries removed or renumbered across releases.
type Code string

const (
	CodeInternal              Code = "internal_error"
	CodeNotConfigured         Code = "not_configured"
	CodeTimeout               Code = "timeout"
	CodeToolNotFound          Code = "tool_not_found"
	CodeToolSchemaViolation   Code = "tool_schema_violation"
	CodeToolExecutionFailed   Code = "tool_execution_failed"
	CodeToolAlreadyRegistered Code = "tool_already_registered"
	CodeToolOutputInvalid     Code = "tool_output_invalid"
	CodeToolRecursionLimit    Code = "tool_recursion_limit"
	CodeToolChainLimit        Code = "tool_chain_limit"
	CodeSandboxEscapeAttempt  Code = "sandbox_escape_attempt"
	CodeSandboxPathInvalid    Code = "sandbox_path_invalid"
	CodePolicyDenied          Code = "policy_denied"
	CodeTenantRequired        Code = "tenant_required"
	CodeTenantMismatch        Code = "tenant_mismatch"
	CodeUnauthorized          Code = "unauthorized"
	CodeForbidden             Code = "forbidden"
	CodeCapabilityMissing     Code = "capability_missing"
	CodeBudgetExceeded        Code = "budget_exceeded"
	CodeProviderNotConfigured Code = "provider_not_configured"
	CodeProviderUnavailable   Code = "provider_unavailable"
	CodeProviderRateLimited   Code = "provider_rate_limited"
	CodeModelNotFound         Code = "model_not_found"
	CodeCircuitOpen           Code = "circuit_open"
	CodeMemoryStoreFailed     Code = "memory_store_failed"
	CodeMemoryHashMismatch    Code = "memory_hash_mismatch"
	CodeMemoryNotFound        Code = "memory_not_found"
	CodeReplayNotFound        Code = "replay_not_found"
	CodeEvalCaseNotFound      Code = "eval_case_not_found"
	CodeEvalGoldenMismatch    Code = "eval_golden_mismatch"
)

// Severity classifies how alarming an error is, independent of whether it
// is retryable.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Error is the typed sum variant every public function returns on failure.
// Cause, Details, and trace metadata are internal-only: SafeJSON omits them.
type Error struct {
	Code        Code           `json:"code"`
	Message     string         `json:"message"`
	Severity    Severity       `json:"severity"`
	Retryable   bool           `json:"retryable"`
	Phase       string         `json:"phase,omitempty"`
	Remediation string         `json:"remediation,omitempty"`
	Details     map[string]any `json:"-"`
	Cause       error          `json:"-"`
	TraceID     string         `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the internal cause to errors.Is / errors.As without
// including it in any serialized form.
func (e *Error) Unwrap() error { return e.Cause }

// safeForm is the externally visible shape: no cause, no details, no stack.
type safeForm struct {
	Code        Code     `json:"code"`
	Message     string   `json:"message"`
	Severity    Severity `json:"severity"`
	Retryable   bool     `json:"retryable"`
	Phase       string   `json:"phase,omitempty"`
	Remediation string   `json:"remediation,omitempty"`
}

// SafeJSON renders the external, redacted form of the error.
func (e *Error) SafeJSON() ([]byte, error) {
	return json.Marshal(safeForm{
		Code:        e.Code,
		Message:     e.Message,
		Severity:    e.Severity,
		Retryable:   e.Retryable,
		Phase:       e.Phase,
		Remediation: e.Remediation,
	})
}

// HTTPStatus maps a code to the deterministic status a transport layer
// should use. The core never speaks HTTP itself; this is provided purely
// as a stable mapping table for callers that do.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeUnauthorized, CodeTenantRequired:
		return 401
	case CodeForbidden, CodeCapabilityMissing:
		return 403
	case CodeBudgetExceeded:
		return 402
	case CodeToolNotFound, CodeModelNotFound, CodeMemoryNotFound, CodeReplayNotFound, CodeEvalCaseNotFound:
		return 404
	case CodeToolSchemaViolation, CodeToolOutputInvalid, CodeSandboxPathInvalid:
		return 400
	case CodeCircuitOpen, CodeProviderUnavailable:
		return 503
	case CodeProviderRateLimited:
		return 429
	default:
		return 500
	}
}

func new_(code Code, severity Severity, retryable bool, phase, msg string, args ...any) *Error {
	return &Error{
		Code:      code,
		Message:   fmt.Sprintf(msg, args...),
		Severity:  severity,
		Retryable: retryable,
		Phase:     phase,
	}
}

// Factory constructors centralize code/severity/retryability.

func Internal(phase string, cause error) *Error {
	e := new_(CodeInternal, SeverityCritical, false, phase, "internal error")
	e.Cause = cause
	return e
}

func NotConfigured(what string) *Error {
	return new_(CodeNotConfigured, SeverityWarning, false, "", "%s is not configured", what)
}

func Timeout(phase string) *Error {
	return new_(CodeTimeout, SeverityError, true, phase, "operation timed out")
}

func ToolNotFound(name string) *Error {
	return new_(CodeToolNotFound, SeverityError, false, "resolve", "tool %q is not registered", name)
}

func ToolSchemaViolation(name string, errs []string) *Error {
	e := new_(CodeToolSchemaViolation, SeverityError, false, "validate_input", "input for tool %q failed schema validation", name)
	e.Details = map[string]any{"errors": errs}
	return e
}

func ToolExecutionFailed(name string, cause error) *Error {
	e := new_(CodeToolExecutionFailed, SeverityError, true, "execute", "tool %q execution failed", name)
	e.Cause = cause
	return e
}

func ToolAlreadyRegistered(name string) *Error {
	return new_(CodeToolAlreadyRegistered, SeverityError, false, "register", "tool %q is already registered", name)
}

func ToolOutputInvalid(name, reason string) *Error {
	return new_(CodeToolOutputInvalid, SeverityError, false, "validate_output", "tool %q produced invalid output: %s", name, reason)
}

func ToolRecursionLimit(traceID string, depth, max int) *Error {
	return new_(CodeToolRecursionLimit, SeverityError, false, "sandbox", "trace %q exceeded recursion depth %d (max %d)", traceID, depth, max)
}

func ToolChainLimit(traceID string, length, max int) *Error {
	return new_(CodeToolChainLimit, SeverityError, false, "sandbox", "trace %q exceeded chain length %d (max %d)", traceID, length, max)
}

func SandboxEscapeAttempt(candidate string) *Error {
	return new_(CodeSandboxEscapeAttempt, SeverityCritical, false, "sandbox", "path %q escapes sandbox root", candidate)
}

func SandboxPathInvalid(candidate string) *Error {
	return new_(CodeSandboxPathInvalid, SeverityError, false, "sandbox", "path %q is invalid", candidate)
}

func PolicyDenied(reason, tool string) *Error {
	phase := "policy"
	if tool != "" {
		return new_(CodePolicyDenied, SeverityWarning, false, phase, "policy denied for tool %q: %s", tool, reason)
	}
	return new_(CodePolicyDenied, SeverityWarning, false, phase, "policy denied: %s", reason)
}

func TenantRequired() *Error {
	return new_(CodeTenantRequired, SeverityError, false, "policy", "tenant_id is required")
}

func TenantMismatch() *Error {
	return new_(CodeTenantMismatch, SeverityCritical, false, "policy", "tenant mismatch")
}

func Unauthorized(reason string) *Error {
	return new_(CodeUnauthorized, SeverityWarning, false, "policy", "unauthorized: %s", reason)
}

func Forbidden(reason string) *Error {
	return new_(CodeForbidden, SeverityWarning, false, "policy", "forbidden: %s", reason)
}

func CapabilityMissing(capability string) *Error {
	return new_(CodeCapabilityMissing, SeverityWarning, false, "policy", "missing capability %q", capability)
}

func BudgetExceeded(tenantID string, costCents, limitCents int64) *Error {
	e := new_(CodeBudgetExceeded, SeverityWarning, false, "budget", "tenant %q budget exceeded", tenantID)
	e.Details = map[string]any{"cost_cents": costCents, "limit_cents": limitCents}
	return e
}

func ProviderNotConfigured(provider string) *Error {
	return new_(CodeProviderNotConfigured, SeverityWarning, false, "arbitration", "provider %q is not configured", provider)
}

func ProviderUnavailable(provider string, cause error) *Error {
	e := new_(CodeProviderUnavailable, SeverityError, true, "arbitration", "provider %q unavailable", provider)
	e.Cause = cause
	return e
}

func ProviderRateLimited(provider string) *Error {
	return new_(CodeProviderRateLimited, SeverityWarning, true, "arbitration", "provider %q rate limited", provider)
}

func ModelNotFound(model string) *Error {
	return new_(CodeModelNotFound, SeverityError, false, "arbitration", "model %q not found", model)
}

func CircuitOpen(key string) *Error {
	return new_(CodeCircuitOpen, SeverityWarning, true, "arbitration", "circuit open for %q", key)
}

func MemoryStoreFailed(cause error) *Error {
	e := new_(CodeMemoryStoreFailed, SeverityCritical, false, "memory", "memory store operation failed")
	e.Cause = cause
	return e
}

func MemoryHashMismatch(expected, got string) *Error {
	e := new_(CodeMemoryHashMismatch, SeverityCritical, false, "memory", "content hash mismatch")
	e.Details = map[string]any{"expected": expected, "got": got}
	return e
}

func MemoryNotFound(id string) *Error {
	return new_(CodeMemoryNotFound, SeverityError, false, "memory", "memory item %q not found", id)
}

func ReplayNotFound(key string) *Error {
	return new_(CodeReplayNotFound, SeverityWarning, false, "replay", "replay record %q not found", key)
}

func EvalCaseNotFound(id string) *Error {
	return new_(CodeEvalCaseNotFound, SeverityError, false, "eval", "eval case %q not found", id)
}

func EvalGoldenMismatch(id, diff string) *Error {
	e := new_(CodeEvalGoldenMismatch, SeverityError, false, "eval", "eval case %q diverged from golden", id)
	e.Details = map[string]any{"diff": diff}
	return e
}

// As is a small helper mirroring errors.As for the common case of
// recovering a *Error from an arbitrary error value.
func As(err error) (*Error, bool) {
	type causer interface{ Unwrap() error }
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e, true
		}
		c, ok := err.(causer)
		if !ok {
			return nil, false
		}
		err = c.Unwrap()
	}
	return nil, false
}

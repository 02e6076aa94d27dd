// Package toolregistry is the process-wide metadata store for tool
// definitions: registration, schema validation, and digest-stability
// tracking for replay cache invalidation.
package toolregistry

import (
	"context"
	"hash/crc32"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/requiem/core/pkg/canon"
	"github.com/requiem/core/pkg/errs"
)

const defaultOutputMaxBytes = 1 << 20 // 1 MiB

// Executor runs a tool's body. It is stored alongside the definition but
// never serialized.
type Executor func(ctx context.Context, input map[string]any) (map[string]any, error)

// CostHint carries the per-invocation budget pre-check cost.
type CostHint struct {
	CostCents int64 `json:"cost_cents"`
}

// Definition is immutable after registration.
type Definition struct {
	Name                 string         `json:"name"`
	Version              string         `json:"version"`
	Description          string         `json:"description"`
	InputSchema          map[string]any `json:"input_schema"`
	OutputSchema         map[string]any `json:"output_schema"`
	Deterministic        bool           `json:"deterministic"`
	Idempotent           bool           `json:"idempotent"`
	SideEffect           bool           `json:"side_effect"`
	TenantScoped         bool           `json:"tenant_scoped"`
	RequiredCapabilities []string       `json:"required_capabilities"`
	CostHint             CostHint       `json:"cost_hint"`
	Digest               string         `json:"digest,omitempty"`
	OutputMaxBytes       int64          `json:"output_max_bytes"`
}

// Validate checks the structural invariants: deterministic tools
// must be either side-effect-free or idempotent; tenant-scoped tools
// require tenant context (checked at invocation time, not here); version
// must be semver.
func (d *Definition) Validate() *errs.Error {
	if d.Name == "" {
		return errs.Internal("register", nil)
	}
	if _, err := semver.NewVersion(d.Version); err != nil {
		e := errs.Internal("register", err)
		e.Message = "tool version must be semver: " + d.Version
		return e
	}
	if d.Deterministic && d.SideEffect && !d.Idempotent {
		e := errs.Internal("register", nil)
		e.Message = "deterministic tools must be side-effect-free or idempotent"
		return e
	}
	if d.OutputMaxBytes <= 0 {
		d.OutputMaxBytes = defaultOutputMaxBytes
	}
	return nil
}

type entry struct {
	def      *Definition
	exec     Executor
	compiled *jsonschema.Schema
	compiledOut *jsonschema.Schema

	// canary is a supplemented optional rollout stage: a percentage of
	// tenants are routed to an alternate definition+executor.
	canary       *entry
	canaryMillis int
}

// Registry is the tool registry contract.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds name → (definition, executor). Fails with
// tool_already_registered if the name exists.
func (r *Registry) Register(def *Definition, exec Executor) *errs.Error {
	if ferr := def.Validate(); ferr != nil {
		return ferr
	}
	compiled, cerr := compileSchema(def.InputSchema)
	if cerr != nil {
		e := errs.Internal("register", cerr)
		e.Message = "invalid input_schema for tool " + def.Name
		return e
	}
	compiledOut, cerr := compileSchema(def.OutputSchema)
	if cerr != nil {
		e := errs.Internal("register", cerr)
		e.Message = "invalid output_schema for tool " + def.Name
		return e
	}
	if def.Digest == "" {
		def.Digest = canon.Hash(def)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[def.Name]; exists {
		return errs.ToolAlreadyRegistered(def.Name)
	}
	r.entries[def.Name] = &entry{def: def, exec: exec, compiled: compiled, compiledOut: compiledOut}
	return nil
}

func compileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schema); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

// Get resolves a tool by name for tenantID, honoring any active canary
// rollout.
func (r *Registry) Get(name, tenantID string) (*Definition, Executor, *errs.Error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, nil, errs.ToolNotFound(name)
	}
	if e.canary != nil && e.canaryMillis > 0 {
		hash := crc32.ChecksumIEEE([]byte(strings.ToLower(tenantID)))
		if int(hash%10000) < e.canaryMillis {
			return e.canary.def, e.canary.exec, nil
		}
	}
	return e.def, e.exec, nil
}

// SetCanary stages an alternate definition+executor for a percentage of
// tenants, selected by a stable hash of tenant id. This is an optional
// rollout mechanism; percentage 0 disables it.
func (r *Registry) SetCanary(name string, def *Definition, exec Executor, percentage int) *errs.Error {
	if percentage < 0 || percentage > 100 {
		e := errs.Internal("register", nil)
		e.Message = "canary percentage must be 0-100"
		return e
	}
	if ferr := def.Validate(); ferr != nil {
		return ferr
	}
	compiled, _ := compileSchema(def.InputSchema)
	compiledOut, _ := compileSchema(def.OutputSchema)

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return errs.ToolNotFound(name)
	}
	e.canary = &entry{def: def, exec: exec, compiled: compiled, compiledOut: compiledOut}
	e.canaryMillis = percentage * 100
	return nil
}

// List returns every registered definition, optionally filtered by a
// predicate.
func (r *Registry) List(filter func(*Definition) bool) []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.entries))
	for _, e := range r.entries {
		if filter == nil || filter(e.def) {
			out = append(out, e.def)
		}
	}
	return out
}

// IsDeterministic reports whether name is registered and deterministic.
func (r *Registry) IsDeterministic(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return ok && e.def.Deterministic
}

// Digest returns the stored content digest for name, or empty if
// unregistered.
func (r *Registry) Digest(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return ""
	}
	return e.def.Digest
}

// OutputMaxBytes returns the configured output cap for name, or the
// default if unregistered.
func (r *Registry) OutputMaxBytes(name string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return defaultOutputMaxBytes
	}
	return e.def.OutputMaxBytes
}

// ValidationResult is the outcome of schema validation.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// ValidateInput validates input against the tool's input_schema.
func (r *Registry) ValidateInput(name string, input map[string]any) (ValidationResult, *errs.Error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return ValidationResult{}, errs.ToolNotFound(name)
	}
	return validateAgainst(e.compiled, input), nil
}

// ValidateOutput validates output against the tool's output_schema.
func (r *Registry) ValidateOutput(name string, output map[string]any) (ValidationResult, *errs.Error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return ValidationResult{}, errs.ToolNotFound(name)
	}
	return validateAgainst(e.compiledOut, output), nil
}

func validateAgainst(schema *jsonschema.Schema, value map[string]any) ValidationResult {
	if schema == nil {
		return ValidationResult{Valid: true}
	}
	if err := schema.Validate(value); err != nil {
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			var msgs []string
			for _, cause := range ve.Causes {
				msgs = append(msgs, cause.Error())
			}
			if len(msgs) == 0 {
				msgs = []string{ve.Error()}
			}
			return ValidationResult{Valid: false, Errors: msgs}
		}
		return ValidationResult{Valid: false, Errors: []string{err.Error()}}
	}
	return ValidationResult{Valid: true}
}

// ClearForTest empties the registry. Strictly for test reset.
func (r *Registry) ClearForTest() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*entry)
}

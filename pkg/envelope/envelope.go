// Package envelope serializes every externally visible artifact (plan,
// execution log, artifact manifest) as canonical JSON behind a
// versioned header, and provides the replay-equality helpers used to
// detect determinism drift.
package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/requiem/core/pkg/canon"
	"github.com/requiem/core/pkg/errs"
	"github.com/requiem/core/pkg/ids"
)

// Header is carried by every externally visible artifact.
type Header struct {
	SchemaVersion   string `json:"schema_version"`
	EngineVersion   string `json:"engine_version"`
	PlatformVersion string `json:"platform_version"`
	SerializedAt    string `json:"serialized_at"`
}

// NewHeader stamps a header using clock for serialized_at.
func NewHeader(clock ids.Clock, schemaVersion, engineVersion, platformVersion string) Header {
	return Header{
		SchemaVersion:   schemaVersion,
		EngineVersion:   engineVersion,
		PlatformVersion: platformVersion,
		SerializedAt:    ids.NowFrom(clock),
	}
}

// ExecutionEnvelope is the external record of one tool invocation. It
// is append-only from the pipeline's perspective and never mutated
// after emission.
type ExecutionEnvelope struct {
	Header        Header  `json:"header"`
	Hash          string  `json:"hash"`
	ToolName      string  `json:"tool_name"`
	ToolVersion   string  `json:"tool_version"`
	TenantID      string  `json:"tenant_id"`
	RequestID     string  `json:"request_id"`
	Deterministic bool    `json:"deterministic"`
	FromCache     bool    `json:"from_cache"`
	DurationMs    int64   `json:"duration_ms"`
	Result        any     `json:"result"`
	Spans         []any   `json:"spans,omitempty"`
	ModelCost     any     `json:"model_cost,omitempty"`
	Diff          any     `json:"diff,omitempty"`
}

// Marshal serializes v as canonical JSON using the normalization
// package's BLAKE3-stable ordering rather than encoding/json's
// struct-field order.
func Marshal(v any) ([]byte, error) {
	return canon.Bytes(canon.Normalize(v))
}

// Digest returns the BLAKE3 content digest of v's canonical form.
func Digest(v any) string {
	return canon.Hash(v)
}

// Unmarshal decodes data into target after checking that data's
// schema_version is not newer than currentSchemaVersion; a newer schema
// version is refused rather than partially decoded.
func Unmarshal(data []byte, currentSchemaVersion string, target any) error {
	var probe struct {
		Header Header `json:"header"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("envelope: malformed header: %w", err)
	}
	if probe.Header.SchemaVersion != "" {
		if newer, err := isNewer(probe.Header.SchemaVersion, currentSchemaVersion); err != nil {
			return fmt.Errorf("envelope: %w", err)
		} else if newer {
			return fmt.Errorf("envelope: refusing newer schema version %q (current %q)", probe.Header.SchemaVersion, currentSchemaVersion)
		}
	}
	return json.Unmarshal(data, target)
}

func isNewer(candidate, current string) (bool, error) {
	cv, err := semver.NewVersion(candidate)
	if err != nil {
		return false, fmt.Errorf("invalid schema_version %q: %w", candidate, err)
	}
	base, err := semver.NewVersion(current)
	if err != nil {
		return false, fmt.Errorf("invalid current schema version %q: %w", current, err)
	}
	return cv.GreaterThan(base), nil
}

// VerifyDigestEquality checks that a and b's canonical digests match —
// used for plan digest equality and artifact-manifest digest equality
// replay invariants.
func VerifyDigestEquality(a, b any) bool {
	return canon.Hash(a) == canon.Hash(b)
}

// VerifyEventCountEquality checks that two execution-event logs have
// the same length, the replay invariant for event-log replay.
func VerifyEventCountEquality[T any](id string, a, b []T) *errs.Error {
	if len(a) != len(b) {
		return errs.EvalGoldenMismatch(id, fmt.Sprintf("execution event count mismatch: %d vs %d", len(a), len(b)))
	}
	return nil
}

// Package canon implements the normalization and BLAKE3 digesting rules
// every other component relies on for content-addressing: canonical hash,
// tool-result digest, and replay digest.
package canon

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gowebpki/jcs"
	"lukechampine.com/blake3"
)

// Value is the closed sum type normalization produces: Null, Bool, Int64,
// Float64, String, []Value (Seq), or map[string]Value (Map). Hashing never
// fails; inputs that don't fit are coerced to their canonical string form.
type Value = any

// Normalize converts an arbitrary Go value (typically the result of
// json.Unmarshal with UseNumber, or a native struct) into the closed Value
// sum, applying the fixed rules: keys sorted by codepoint (handled at
// serialization time), sequences preserve order, integers stay integers,
// non-finite floats become null, finite floats are rounded to 6 decimals
// with trailing zeros stripped, and the outermost string is UTF-8 trimmed.
func Normalize(v any) any {
	return normalize(v, true)
}

func normalize(v any, outermost bool) any {
	switch t := v.(type) {
	case nil:
		return nil
	case bool:
		return t
	case string:
		if !utf8.ValidString(t) {
			// non-UTF-8 bytes are coerced to their canonical string form
			// rather than erroring, per the hashing-never-fails contract.
			t = strings.ToValidUTF8(t, "�")
		}
		if outermost {
			return strings.TrimSpace(t)
		}
		return t
	case json.Number:
		return normalizeNumber(t)
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case int64:
		return t
	case uint:
		return int64(t)
	case uint64:
		return int64(t)
	case float32:
		return normalizeFloat(float64(t))
	case float64:
		if t == math.Trunc(t) && !math.IsInf(t, 0) && math.Abs(t) < 1e15 {
			return int64(t)
		}
		return normalizeFloat(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e, false)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val, false)
		}
		return out
	default:
		// structs and other concrete types: round-trip through JSON to
		// reach the closed sum, preserving field tags.
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		var generic any
		if err := dec.Decode(&generic); err != nil {
			return fmt.Sprintf("%v", t)
		}
		return normalize(generic, outermost)
	}
}

func normalizeNumber(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		return i
	}
	f, err := n.Float64()
	if err != nil {
		return n.String()
	}
	if math.Trunc(f) == f && !math.IsInf(f, 0) && math.Abs(f) < 1e15 {
		return int64(f)
	}
	return normalizeFloat(f)
}

func normalizeFloat(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	rounded := math.Round(f*1e6) / 1e6
	return roundedFloat(rounded)
}

// roundedFloat carries a float already rounded to 6 decimals so the JSON
// encoder downstream emits it with trailing zeros stripped via strconv.
type roundedFloat float64

func (r roundedFloat) MarshalJSON() ([]byte, error) {
	s := strconv.FormatFloat(float64(r), 'f', -1, 64)
	return []byte(s), nil
}

// Bytes returns the canonical JSON byte string for v: normalize, marshal
// with sorted keys, then pass through RFC 8785 transformation.
func Bytes(v any) ([]byte, error) {
	normalized := Normalize(v)
	raw, err := marshalSorted(normalized)
	if err != nil {
		return nil, fmt.Errorf("canon: marshal failed: %w", err)
	}
	transformed, err := jcs.Transform(raw)
	if err != nil {
		// jcs.Transform only rejects malformed JSON, which marshalSorted
		// never produces; fall back to the pre-transform bytes rather
		// than fail, since hashing must never fail.
		return raw, nil
	}
	return transformed, nil
}

// marshalSorted renders v (already normalized) as compact JSON with map
// keys sorted by codepoint, ASCII-preserving (no HTML escaping).
func marshalSorted(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeSorted(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeSorted(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case int64:
		buf.WriteString(strconv.FormatInt(t, 10))
		return nil
	case roundedFloat:
		b, _ := t.MarshalJSON()
		buf.Write(b)
		return nil
	case string:
		return encodeString(buf, t)
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeSorted(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			return lessByCodepoint(keys[i], keys[j])
		})
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeSorted(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	default:
		return fmt.Errorf("canon: unexpected normalized type %T", v)
	}
}

func lessByCodepoint(a, b string) bool {
	ra, rb := []rune(a), []rune(b)
	for i := 0; i < len(ra) && i < len(rb); i++ {
		if ra[i] != rb[i] {
			return ra[i] < rb[i]
		}
	}
	return len(ra) < len(rb)
}

func encodeString(buf *bytes.Buffer, s string) error {
	enc, err := json.Marshal(s)
	if err != nil {
		return err
	}
	buf.Write(enc)
	return nil
}

// Hash returns the BLAKE3-256 hex digest (64 chars) of v's canonical JSON
// byte string. Hashing never fails.
func Hash(v any) string {
	b, err := Bytes(v)
	if err != nil {
		// unreachable under the hashing-never-fails contract, but guard
		// against it by hashing the coerced string form.
		b = []byte(fmt.Sprintf("%v", v))
	}
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Hash16 returns the first 16 hex characters of Hash(v), used for replay
// cache keys.
func Hash16(v any) string {
	return Hash(v)[:16]
}

// Verify reports whether recomputing the canonical hash of v equals
// expected.
func Verify(v any, expected string) bool {
	return Hash(v) == expected
}

// ToolResultDigestInput is the shape digested for a tool result.
type ToolResultDigestInput struct {
	Output      any    `json:"output"`
	ToolName    string `json:"tool_name"`
	ToolVersion string `json:"tool_version"`
	LatencyMs   int64  `json:"latency_ms"`
	Timestamp   string `json:"timestamp"`
}

// ToolResultDigest computes the tool-result digest shape.
func ToolResultDigest(in ToolResultDigestInput) string {
	return Hash(in)
}

// ReplayDigestInput is the shape digested for a replay cache entry.
type ReplayDigestInput struct {
	ToolName string `json:"tool_name"`
	Args     any    `json:"args"`
	Result   struct {
		Output      any    `json:"output"`
		ToolVersion string `json:"tool_version"`
		LatencyMs   int64  `json:"latency_ms"`
		Timestamp   string `json:"timestamp"`
	} `json:"result"`
}

// ReplayDigest computes the replay digest shape.
func ReplayDigest(in ReplayDigestInput) string {
	return Hash(in)
}

package canon_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/requiem/core/pkg/canon"
)

func TestHashDeterministic(t *testing.T) {
	v := map[string]any{"b": 1, "a": "x"}
	require.Equal(t, canon.Hash(v), canon.Hash(v))
}

func TestHashOrderIndependent(t *testing.T) {
	a := map[string]any{"a": 1, "b": 2, "c": 3}
	b := map[string]any{"c": 3, "b": 2, "a": 1}
	require.Equal(t, canon.Hash(a), canon.Hash(b))
}

func TestHashLength(t *testing.T) {
	h := canon.Hash("hello")
	require.Len(t, h, 64)
}

func TestHash16(t *testing.T) {
	require.Len(t, canon.Hash16("hello"), 16)
	require.Equal(t, canon.Hash("hello")[:16], canon.Hash16("hello"))
}

func TestNonFiniteBecomesNull(t *testing.T) {
	bytes1, err := canon.Bytes(map[string]any{"v": roundedNaN()})
	require.NoError(t, err)
	require.Contains(t, string(bytes1), `"v":null`)
}

func roundedNaN() float64 {
	var zero float64
	return zero / zero
}

func TestFloatRoundedToSixDecimals(t *testing.T) {
	b, err := canon.Bytes(map[string]any{"v": 1.0000001})
	require.NoError(t, err)
	require.Contains(t, string(b), `"v":1`)
}

func TestVerify(t *testing.T) {
	v := []any{1, 2, 3}
	h := canon.Hash(v)
	require.True(t, canon.Verify(v, h))
	require.False(t, canon.Verify(v, "deadbeef"))
}

func TestHashNestedMapOrderIndependenceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("canonical hash is independent of map insertion order", prop.ForAll(
		func(keys []string, values []int) bool {
			n := len(keys)
			if len(values) < n {
				n = len(values)
			}
			forward := make(map[string]any, n)
			for i := 0; i < n; i++ {
				if keys[i] == "" {
					continue
				}
				forward[keys[i]] = values[i]
			}
			reversed := make(map[string]any, n)
			for i := n - 1; i >= 0; i-- {
				if keys[i] == "" {
					continue
				}
				reversed[keys[i]] = values[i]
			}
			return canon.Hash(forward) == canon.Hash(reversed)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.IntRange(-1000, 1000)),
	))

	properties.TestingRun(t)
}

func TestToolResultDigestStable(t *testing.T) {
	in := canon.ToolResultDigestInput{
		Output:      map[string]any{"ok": true},
		ToolName:    "system.echo",
		ToolVersion: "1.0.0",
		LatencyMs:   12,
		Timestamp:   "2026-01-01T00:00:00Z",
	}
	require.Equal(t, canon.ToolResultDigest(in), canon.ToolResultDigest(in))
}

package toolregistry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/requiem/core/pkg/toolregistry"
)

func echoDef() *toolregistry.Definition {
	return &toolregistry.Definition{
		Name:          "system.echo",
		Version:       "1.0.0",
		Deterministic: true,
		Idempotent:    true,
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"message"},
			"properties": map[string]any{
				"message": map[string]any{"type": "string"},
			},
		},
	}
}

func echoExec(_ context.Context, input map[string]any) (map[string]any, error) {
	return map[string]any{"echoed": input["message"]}, nil
}

func TestRegisterAndGet(t *testing.T) {
	r := toolregistry.New()
	require.Nil(t, r.Register(echoDef(), echoExec))

	def, exec, ferr := r.Get("system.echo", "tenant-a")
	require.Nil(t, ferr)
	require.NotNil(t, exec)
	require.Equal(t, "1.0.0", def.Version)
	require.NotEmpty(t, def.Digest)
}

func TestDuplicateRegistrationFails(t *testing.T) {
	r := toolregistry.New()
	require.Nil(t, r.Register(echoDef(), echoExec))
	ferr := r.Register(echoDef(), echoExec)
	require.NotNil(t, ferr)
	require.Equal(t, "tool_already_registered", string(ferr.Code))
}

func TestUnknownToolNotFound(t *testing.T) {
	r := toolregistry.New()
	_, _, ferr := r.Get("nope", "t1")
	require.NotNil(t, ferr)
	require.Equal(t, "tool_not_found", string(ferr.Code))
}

func TestInvalidSemverRejected(t *testing.T) {
	r := toolregistry.New()
	def := echoDef()
	def.Version = "not-a-version"
	ferr := r.Register(def, echoExec)
	require.NotNil(t, ferr)
}

func TestValidateInputSchema(t *testing.T) {
	r := toolregistry.New()
	require.Nil(t, r.Register(echoDef(), echoExec))

	result, ferr := r.ValidateInput("system.echo", map[string]any{"message": "hi"})
	require.Nil(t, ferr)
	require.True(t, result.Valid)

	result, ferr = r.ValidateInput("system.echo", map[string]any{})
	require.Nil(t, ferr)
	require.False(t, result.Valid)
	require.NotEmpty(t, result.Errors)
}

func TestCanaryRouting(t *testing.T) {
	r := toolregistry.New()
	require.Nil(t, r.Register(echoDef(), echoExec))

	canaryDef := echoDef()
	canaryDef.Description = "canary"
	require.Nil(t, r.SetCanary("system.echo", canaryDef, echoExec, 100))

	def, _, ferr := r.Get("system.echo", "any-tenant")
	require.Nil(t, ferr)
	require.Equal(t, "canary", def.Description)
}

func TestClearForTest(t *testing.T) {
	r := toolregistry.New()
	require.Nil(t, r.Register(echoDef(), echoExec))
	r.ClearForTest()
	_, _, ferr := r.Get("system.echo", "t1")
	require.NotNil(t, ferr)
}

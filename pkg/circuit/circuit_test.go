package circuit_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/requiem/core/pkg/circuit"
	"github.com/requiem/core/pkg/ids"
)

func fixedCfg(cfg circuit.Config) func(string) circuit.Config {
	return func(string) circuit.Config { return cfg }
}

func TestClosedAllowsByDefault(t *testing.T) {
	clock := ids.NewFixedClock(time.Unix(0, 0))
	b := circuit.New(clock, fixedCfg(circuit.Config{FailureThreshold: 3, Window: time.Minute, Cooldown: time.Second}))
	require.Nil(t, b.Check("openai:gpt"))
	require.Equal(t, circuit.StateClosed, b.StateOf("openai:gpt"))
}

func TestTripsOpenAfterThreshold(t *testing.T) {
	clock := ids.NewFixedClock(time.Unix(0, 0))
	b := circuit.New(clock, fixedCfg(circuit.Config{FailureThreshold: 3, Window: time.Minute, Cooldown: time.Second}))

	for i := 0; i < 3; i++ {
		b.RecordFailure("openai:gpt")
	}
	require.Equal(t, circuit.StateOpen, b.StateOf("openai:gpt"))
	require.NotNil(t, b.Check("openai:gpt"))
}

func TestHalfOpenProbeAfterCooldown(t *testing.T) {
	clock := ids.NewFixedClock(time.Unix(0, 0))
	b := circuit.New(clock, fixedCfg(circuit.Config{FailureThreshold: 1, Window: time.Minute, Cooldown: time.Second}))

	b.RecordFailure("openai:gpt")
	require.NotNil(t, b.Check("openai:gpt"))

	clock.Advance(2 * time.Second)
	require.Nil(t, b.Check("openai:gpt"))
	require.Equal(t, circuit.StateHalfOpen, b.StateOf("openai:gpt"))
}

func TestHalfOpenSuccessCloses(t *testing.T) {
	clock := ids.NewFixedClock(time.Unix(0, 0))
	b := circuit.New(clock, fixedCfg(circuit.Config{FailureThreshold: 1, Window: time.Minute, Cooldown: time.Second}))

	b.RecordFailure("openai:gpt")
	clock.Advance(2 * time.Second)
	require.Nil(t, b.Check("openai:gpt"))
	b.RecordSuccess("openai:gpt")
	require.Equal(t, circuit.StateClosed, b.StateOf("openai:gpt"))
}

func TestHalfOpenFailureReopensWithEscalatedCooldown(t *testing.T) {
	clock := ids.NewFixedClock(time.Unix(0, 0))
	b := circuit.New(clock, fixedCfg(circuit.Config{FailureThreshold: 1, Window: time.Minute, Cooldown: time.Second}))

	b.RecordFailure("openai:gpt")
	clock.Advance(2 * time.Second)
	require.Nil(t, b.Check("openai:gpt"))
	b.RecordFailure("openai:gpt")
	require.Equal(t, circuit.StateOpen, b.StateOf("openai:gpt"))

	clock.Advance(2 * time.Second)
	require.NotNil(t, b.Check("openai:gpt"), "escalated cooldown should outlast the base 1s cooldown")
}

func TestIndependentKeysDoNotShareState(t *testing.T) {
	clock := ids.NewFixedClock(time.Unix(0, 0))
	b := circuit.New(clock, fixedCfg(circuit.Config{FailureThreshold: 1, Window: time.Minute, Cooldown: time.Second}))

	b.RecordFailure("openai:gpt")
	require.Equal(t, circuit.StateOpen, b.StateOf("openai:gpt"))
	require.Equal(t, circuit.StateClosed, b.StateOf("anthropic:claude"))
}

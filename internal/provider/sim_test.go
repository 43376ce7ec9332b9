package provider_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/qgate/internal/provider"
)

func runSim(t *testing.T, payload string) provider.SimOutput {
	t.Helper()
	raw, err := provider.NewSim(0).Run(context.Background(), json.RawMessage(payload))
	require.NoError(t, err)
	var out provider.SimOutput
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestSimDeterministicAcrossKeyOrder(t *testing.T) {
	a := runSim(t, `{"shots": 100, "problem": {"a": 1, "b": 2}}`)
	b := runSim(t, `{"problem":{"b":2,"a":1},"shots":100}`)

	assert.Equal(t, a, b)
	assert.Len(t, a.InputHash, 64)
	assert.Equal(t, "deterministic computation complete", a.Message)
	assert.GreaterOrEqual(t, a.Energy, -1.5)
	assert.LessOrEqual(t, a.Energy, 0.5)
}

func TestSimDifferentPayloadsDiffer(t *testing.T) {
	a := runSim(t, `{"shots": 100}`)
	b := runSim(t, `{"shots": 101}`)
	assert.NotEqual(t, a.InputHash, b.InputHash)
}

func TestSimEmptyPayload(t *testing.T) {
	out := runSim(t, ``)
	assert.Equal(t, 2, out.PayloadSize)
}

func TestSimHonorsContext(t *testing.T) {
	sim := provider.NewSim(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := sim.Run(ctx, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

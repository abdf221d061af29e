package bus

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBusRoundTripsPayloadThroughJSON(t *testing.T) {
	b := NewMemoryBus()

	var got Envelope
	require.NoError(t, b.Subscribe("ch", func(env Envelope) { got = env }))

	frame := json.RawMessage(`{"type":"message.new","data":{"seq":7}}`)
	err := b.Publish(context.Background(), "ch", Envelope{
		Origin:  "node-a",
		Scope:   ScopeUser,
		Target:  "alice",
		Event:   "message.new",
		Payload: frame,
	})
	require.NoError(t, err)

	assert.Equal(t, "node-a", got.Origin)
	assert.Equal(t, ScopeUser, got.Scope)
	assert.Equal(t, "alice", got.Target)

	// handlers must see the broker-generic payload shape, not the concrete
	// type the publisher used
	rebuilt, err := json.Marshal(got.Payload)
	require.NoError(t, err)
	assert.JSONEq(t, string(frame), string(rebuilt))
}

func TestMemoryBusFansOutToEverySubscriber(t *testing.T) {
	b := NewMemoryBus()

	var hits int
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Subscribe("ch", func(Envelope) { hits++ }))
	}
	require.NoError(t, b.Subscribe("other", func(Envelope) { hits += 100 }))

	require.NoError(t, b.Publish(context.Background(), "ch", Envelope{Origin: "n", Scope: ScopeRoom, Target: "r"}))
	assert.Equal(t, 3, hits, "only subscribers of the published channel fire")
}

func TestMemoryBusCloseDropsSubscriptions(t *testing.T) {
	b := NewMemoryBus()

	called := false
	require.NoError(t, b.Subscribe("ch", func(Envelope) { called = true }))
	require.NoError(t, b.Close())

	require.NoError(t, b.Publish(context.Background(), "ch", Envelope{Origin: "n"}))
	assert.False(t, called)
}

package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Logan27/mini-messenger-sub000/service/bus"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAudience struct {
	members map[string][]string
}

func (f *fakeAudience) AudienceOf(_ context.Context, userID string) ([]string, error) {
	if f == nil || f.members == nil {
		return nil, nil
	}
	return f.members[userID], nil
}

func newTestRegistry(t *testing.T, nodeID string, b bus.Bus, audience *fakeAudience) *Registry {
	t.Helper()
	if b == nil {
		b = bus.NewMemoryBus()
	}
	pool := NewFanout(2, 64)
	r := NewRegistry(RegistryConf{}, nodeID, b, "fabric", audience, pool)
	t.Cleanup(func() {
		r.Close()
		pool.Stop()
	})
	return r
}

func newLocalClient(connID, userID string) *Client {
	return NewClient(connID, userID, userID, nil, 16)
}

func recvFrame(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case data := <-c.Send:
		return data
	case <-time.After(time.Second):
		t.Fatalf("no frame arrived on %s", c.ConnID)
		return nil
	}
}

func assertNoFrame(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.Send:
		t.Fatalf("unexpected frame on %s: %s", c.ConnID, data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRegisterFirstAndLastFlipPresence(t *testing.T) {
	r := newTestRegistry(t, "node-1", nil, nil)

	c1 := newLocalClient("c1", "alice")
	c2 := newLocalClient("c2", "alice")

	assert.True(t, r.Register(c1), "first connection flips online")
	assert.False(t, r.Register(c2), "second device is not a transition")
	assert.Equal(t, StatusOnline, r.PresenceOf("alice").Status)

	_, last := r.Unregister("c1")
	assert.False(t, last, "one device remains")
	assert.Equal(t, StatusOnline, r.PresenceOf("alice").Status)

	user, last := r.Unregister("c2")
	assert.Equal(t, "alice", user)
	assert.True(t, last)
	assert.Equal(t, StatusOffline, r.PresenceOf("alice").Status)
}

func TestPresenceOfUnknownUserIsOffline(t *testing.T) {
	r := newTestRegistry(t, "node-1", nil, nil)
	assert.Equal(t, StatusOffline, r.PresenceOf("nobody").Status)
}

func TestConnectionsFor(t *testing.T) {
	r := newTestRegistry(t, "node-1", nil, nil)

	r.Register(newLocalClient("c1", "alice"))
	r.Register(newLocalClient("c2", "alice"))

	assert.ElementsMatch(t, []string{"c1", "c2"}, r.ConnectionsFor("alice"))
	assert.Empty(t, r.ConnectionsFor("bob"))

	r.Unregister("c1")
	assert.Equal(t, []string{"c2"}, r.ConnectionsFor("alice"))
}

func TestBroadcastToUserReachesEveryDevice(t *testing.T) {
	r := newTestRegistry(t, "node-1", nil, nil)

	phone := newLocalClient("c1", "alice")
	laptop := newLocalClient("c2", "alice")
	r.Register(phone)
	r.Register(laptop)

	r.BroadcastToUser("alice", "message.new", []byte(`{"type":"message.new"}`))

	assert.JSONEq(t, `{"type":"message.new"}`, string(recvFrame(t, phone)))
	assert.JSONEq(t, `{"type":"message.new"}`, string(recvFrame(t, laptop)))
}

func TestBroadcastToRoomExcludesSender(t *testing.T) {
	r := newTestRegistry(t, "node-1", nil, nil)

	alice := newLocalClient("c1", "alice")
	bob := newLocalClient("c2", "bob")
	carol := newLocalClient("c3", "carol")
	for _, c := range []*Client{alice, bob, carol} {
		r.Register(c)
		r.JoinRooms(c.ConnID, []string{RoomForGroup("g1")})
	}

	r.BroadcastToRoom(RoomForGroup("g1"), "message.new", []byte(`{"type":"message.new"}`), "alice")

	recvFrame(t, bob)
	recvFrame(t, carol)
	assertNoFrame(t, alice)
}

func TestUnregisterLeavesRooms(t *testing.T) {
	r := newTestRegistry(t, "node-1", nil, nil)

	alice := newLocalClient("c1", "alice")
	bob := newLocalClient("c2", "bob")
	r.Register(alice)
	r.Register(bob)
	r.JoinRooms("c1", []string{RoomForGroup("g1")})
	r.JoinRooms("c2", []string{RoomForGroup("g1")})

	r.Unregister("c2")
	r.BroadcastToRoom(RoomForGroup("g1"), "message.new", []byte(`{"x":1}`), "")

	recvFrame(t, alice)
	// bob was closed on unregister; frames addressed to him are dropped
	assert.False(t, bob.trySend([]byte("x")))
}

func TestUnregisterDuringBroadcastIsSafe(t *testing.T) {
	r := newTestRegistry(t, "node-1", nil, nil)
	alice := newLocalClient("c1", "alice")
	r.Register(alice)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			r.BroadcastToUser("alice", "message.new", []byte(`{"type":"message.new"}`))
		}
	}()
	r.Unregister("c1")
	<-done

	// late frames are dropped at the client, never sent on a closed channel
	assert.False(t, alice.trySend([]byte(`{"type":"message.new"}`)))
}

func TestCrossInstanceBroadcastViaBus(t *testing.T) {
	shared := bus.NewMemoryBus()
	ra := newTestRegistry(t, "node-a", shared, nil)
	rb := newTestRegistry(t, "node-b", shared, nil)
	require.NoError(t, shared.Subscribe("fabric", ra.HandleBusEnvelope))
	require.NoError(t, shared.Subscribe("fabric", rb.HandleBusEnvelope))

	local := newLocalClient("ca", "alice")
	remote := newLocalClient("cb", "alice")
	ra.Register(local)
	rb.Register(remote)

	ra.BroadcastToUser("alice", "message.new", []byte(`{"type":"message.new","data":{"seq":1}}`))

	assert.JSONEq(t, `{"type":"message.new","data":{"seq":1}}`, string(recvFrame(t, local)))
	assert.JSONEq(t, `{"type":"message.new","data":{"seq":1}}`, string(recvFrame(t, remote)))
	// the publishing instance skips its own envelope: exactly one local copy
	assertNoFrame(t, local)
}

func TestCrossInstanceRoomExceptIsHonored(t *testing.T) {
	shared := bus.NewMemoryBus()
	ra := newTestRegistry(t, "node-a", shared, nil)
	rb := newTestRegistry(t, "node-b", shared, nil)
	require.NoError(t, shared.Subscribe("fabric", rb.HandleBusEnvelope))

	aliceRemote := newLocalClient("cb1", "alice")
	bobRemote := newLocalClient("cb2", "bob")
	rb.Register(aliceRemote)
	rb.Register(bobRemote)
	rb.JoinRooms("cb1", []string{RoomForGroup("g1")})
	rb.JoinRooms("cb2", []string{RoomForGroup("g1")})

	ra.BroadcastToRoom(RoomForGroup("g1"), "message.new", []byte(`{"type":"message.new"}`), "alice")

	recvFrame(t, bobRemote)
	assertNoFrame(t, aliceRemote)
}

func TestBusEnvelopeWithUnknownFrameShapeIsDropped(t *testing.T) {
	shared := bus.NewMemoryBus()
	ra := newTestRegistry(t, "node-a", shared, nil)
	rb := newTestRegistry(t, "node-b", shared, nil)
	require.NoError(t, shared.Subscribe("fabric", rb.HandleBusEnvelope))

	remote := newLocalClient("cb", "alice")
	rb.Register(remote)

	ra.BroadcastToUser("alice", "message.new", []byte(`{"kind":"not-a-frame"}`))
	assertNoFrame(t, remote)
}

func TestPresenceBroadcastReachesAudienceOnly(t *testing.T) {
	audience := &fakeAudience{members: map[string][]string{
		"alice": {"bob"},
	}}
	r := newTestRegistry(t, "node-1", nil, audience)

	bob := newLocalClient("cb", "bob")
	carol := newLocalClient("cc", "carol")
	r.Register(bob)
	r.Register(carol)

	r.Register(newLocalClient("ca", "alice"))

	data := recvFrame(t, bob)
	var f Frame
	require.NoError(t, json.Unmarshal(data, &f))
	assert.Equal(t, FramePresence, f.Type)

	var p PresencePayload
	require.NoError(t, json.Unmarshal(f.Data, &p))
	assert.Equal(t, "alice", p.UserID)
	assert.Equal(t, StatusOnline, p.Status)

	assertNoFrame(t, carol)
}

func TestSweepUnregistersExpiredConnections(t *testing.T) {
	now := time.Now()
	b := bus.NewMemoryBus()
	pool := NewFanout(1, 16)
	r := NewRegistry(RegistryConf{
		HeartbeatTTL: time.Minute,
		Clock:        func() time.Time { return now },
	}, "node-1", b, "fabric", &fakeAudience{}, pool)
	t.Cleanup(func() {
		r.Close()
		pool.Stop()
	})

	r.Register(newLocalClient("c1", "alice"))
	r.sweepOnce(now.Add(30 * time.Second))
	assert.Len(t, r.ConnectionsFor("alice"), 1, "inside the TTL nothing expires")

	r.sweepOnce(now.Add(2 * time.Minute))
	assert.Empty(t, r.ConnectionsFor("alice"))
	assert.Equal(t, StatusOffline, r.PresenceOf("alice").Status)
}

func TestHeartbeatExtendsDeadline(t *testing.T) {
	now := time.Now()
	b := bus.NewMemoryBus()
	pool := NewFanout(1, 16)
	r := NewRegistry(RegistryConf{
		HeartbeatTTL: time.Minute,
		Clock:        func() time.Time { return now },
	}, "node-1", b, "fabric", &fakeAudience{}, pool)
	t.Cleanup(func() {
		r.Close()
		pool.Stop()
	})

	r.Register(newLocalClient("c1", "alice"))

	now = now.Add(50 * time.Second)
	r.Heartbeat("c1")

	r.sweepOnce(now.Add(30 * time.Second))
	assert.Len(t, r.ConnectionsFor("alice"), 1, "heartbeat pushed the deadline out")
}

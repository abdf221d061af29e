package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/Logan27/mini-messenger-sub000/config"
	"github.com/Logan27/mini-messenger-sub000/service/bus"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubStore accepts everything; server tests exercise routing, not storage.
type stubStore struct {
	nextID int
}

func (s *stubStore) CreateMessage(context.Context, *MessageEnvelope) (string, error) {
	s.nextID++
	return fmt.Sprintf("m%d", s.nextID), nil
}
func (s *stubStore) RecipientActive(context.Context, string) (bool, error) { return true, nil }
func (s *stubStore) MemberOfGroup(context.Context, string, string) (bool, error) { return true, nil }
func (s *stubStore) ActiveMembers(context.Context, string) ([]string, error) { return nil, nil }
func (s *stubStore) BulkCreateMemberStatuses(context.Context, string, []string) error {
	return nil
}
func (s *stubStore) ListDevices(context.Context, string) ([]Device, error) { return nil, nil }
func (s *stubStore) ListGroups(context.Context, string) ([]string, error) { return nil, nil }
func (s *stubStore) AudienceOf(context.Context, string) ([]string, error) { return nil, nil }

type nopPush struct{}

func (nopPush) SendPush(context.Context, string, string, string, map[string]string) error {
	return nil
}

func newTestServer(t *testing.T, nodeID string, shared bus.Bus, store MessageStore) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Node.ID = nodeID
	cfg.Bus.Backend = "memory"
	srv, err := NewServer(cfg, shared, store, nopPush{}, newFakeCounter())
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return srv
}

func recvKind(t *testing.T, c *Client, kind FrameType) *Frame {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case data := <-c.Send:
			f, err := ParseFrame(data)
			require.NoError(t, err)
			if f.Type == kind {
				return f
			}
		case <-deadline:
			t.Fatalf("no %s frame for %s", kind, c.UserID)
			return nil
		}
	}
}

func ackFrame(messageID string) *Frame {
	data, _ := json.Marshal(AckPayload{MessageID: messageID})
	return &Frame{Type: FrameDelivered, Data: data}
}

// countingBus records how many pub/sub streams a server opens.
type countingBus struct {
	bus.Bus
	subs int
}

func (b *countingBus) Subscribe(channel string, h bus.Handler) error {
	b.subs++
	return b.Bus.Subscribe(channel, h)
}

func TestServerHoldsOneBusSubscription(t *testing.T) {
	cb := &countingBus{Bus: bus.NewMemoryBus()}
	newTestServer(t, "node-a", cb, &stubStore{})
	assert.Equal(t, 1, cb.subs, "acks and broadcasts share one stream")
}

func TestDeliveredAckFromAnotherInstanceSettlesTheRecord(t *testing.T) {
	shared := bus.NewMemoryBus()
	store := &stubStore{}
	srvA := newTestServer(t, "node-a", shared, store)
	srvB := newTestServer(t, "node-b", shared, store)

	alice := NewClient("ca", "alice", "alice", nil, 32)
	srvA.reg.Register(alice)
	bob := NewClient("cb", "bob", "bob", nil, 32)
	srvB.reg.Register(bob)

	out, err := srvA.engine.Send(context.Background(),
		&MessageEnvelope{SenderID: "alice", RecipientID: "bob", Content: "hi"})
	require.NoError(t, err)

	// bob's delivered ack lands on node-b, which holds no delivery record;
	// it must travel to node-a and settle there
	require.NoError(t, srvB.handleDelivered(bob, ackFrame(out.ID)))

	state, ok := srvA.tracker.StateOf(out.ID, "bob")
	require.True(t, ok)
	assert.Equal(t, StateDelivered, state)
	assert.Equal(t, 0, srvA.tracker.PendingCount())

	frame := recvKind(t, alice, FrameDelivered)
	var p AckPayload
	require.NoError(t, json.Unmarshal(frame.Data, &p))
	assert.Equal(t, out.ID, p.MessageID)
	assert.Equal(t, "bob", p.UserID)
}

func TestReadAckFromAnotherInstanceNotifiesSenderOnce(t *testing.T) {
	shared := bus.NewMemoryBus()
	store := &stubStore{}
	srvA := newTestServer(t, "node-a", shared, store)
	srvB := newTestServer(t, "node-b", shared, store)

	alice := NewClient("ca", "alice", "alice", nil, 32)
	srvA.reg.Register(alice)
	bob := NewClient("cb", "bob", "bob", nil, 32)
	srvB.reg.Register(bob)

	out, err := srvA.engine.Send(context.Background(),
		&MessageEnvelope{SenderID: "alice", RecipientID: "bob", Content: "hi"})
	require.NoError(t, err)

	read, _ := json.Marshal(AckPayload{MessageID: out.ID})
	readFrame := &Frame{Type: FrameRead, Data: read}
	require.NoError(t, srvB.handleRead(bob, readFrame))
	require.NoError(t, srvB.handleRead(bob, readFrame))

	recvKind(t, alice, FrameRead)
	// the duplicate forwarded ack must not produce a second notification
	select {
	case data := <-alice.Send:
		f, err := ParseFrame(data)
		require.NoError(t, err)
		assert.NotEqual(t, FrameRead, f.Type)
	case <-time.After(50 * time.Millisecond):
	}

	state, _ := srvA.tracker.StateOf(out.ID, "bob")
	assert.Equal(t, StateRead, state)
}

func TestAckForUnknownMessageIsHarmless(t *testing.T) {
	shared := bus.NewMemoryBus()
	srv := newTestServer(t, "node-a", shared, &stubStore{})

	bob := NewClient("cb", "bob", "bob", nil, 32)
	srv.reg.Register(bob)

	require.NoError(t, srv.handleDelivered(bob, ackFrame("never-sent")))
	assert.Equal(t, 0, srv.tracker.PendingCount())
}

func TestHandleTypingMapsTargetsToRooms(t *testing.T) {
	shared := bus.NewMemoryBus()
	srv := newTestServer(t, "node-a", shared, &stubStore{})

	alice := NewClient("ca", "alice", "alice", nil, 32)
	srv.reg.Register(alice)
	bobClient := NewClient("cb", "bob", "bob", nil, 32)
	srv.reg.Register(bobClient)

	data, _ := json.Marshal(TypingPayload{RecipientID: "bob", IsTyping: true})
	require.NoError(t, srv.handleTyping(alice, &Frame{Type: FrameTyping, Data: data}))

	frame := recvKind(t, bobClient, FrameTyping)
	var p TypingPayload
	require.NoError(t, json.Unmarshal(frame.Data, &p))
	assert.Equal(t, "alice", p.UserID)
	assert.True(t, p.IsTyping)

	assert.Equal(t, []string{"alice"}, srv.typing.TypingIn(RoomForPair("alice", "bob")))
}

func TestHandlePresenceRejectsUnknownStatus(t *testing.T) {
	shared := bus.NewMemoryBus()
	srv := newTestServer(t, "node-a", shared, &stubStore{})

	alice := NewClient("ca", "alice", "alice", nil, 32)
	srv.reg.Register(alice)

	data, _ := json.Marshal(PresencePayload{Status: "invisible"})
	err := srv.handlePresence(alice, &Frame{Type: FramePresence, Data: data})
	require.Error(t, err)

	data, _ = json.Marshal(PresencePayload{Status: StatusAway})
	require.NoError(t, srv.handlePresence(alice, &Frame{Type: FramePresence, Data: data}))
	assert.Equal(t, StatusAway, srv.reg.PresenceOf("alice").Status)
}

func TestSignalingRelayRequiresActiveTarget(t *testing.T) {
	shared := bus.NewMemoryBus()
	srv := newTestServer(t, "node-a", shared, &stubStore{})

	alice := NewClient("ca", "alice", "alice", nil, 32)
	srv.reg.Register(alice)

	data, _ := json.Marshal(SignalPayload{TargetID: "bob", Body: json.RawMessage(`{"sdp":"offer"}`)})
	err := srv.handleSignaling(alice, &Frame{Type: FrameSignaling, Data: data})
	require.Error(t, err, "offline target is an error, signaling does not queue")

	bobClient := NewClient("cb", "bob", "bob", nil, 32)
	srv.reg.Register(bobClient)
	require.NoError(t, srv.handleSignaling(alice, &Frame{Type: FrameSignaling, Data: data}))

	frame := recvKind(t, bobClient, FrameSignaling)
	var p SignalPayload
	require.NoError(t, json.Unmarshal(frame.Data, &p))
	assert.Equal(t, "alice", p.FromID)
}

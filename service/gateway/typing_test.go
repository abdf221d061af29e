package gateway

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type typingEvent struct {
	roomID   string
	userID   string
	isTyping bool
}

type typingRecorder struct {
	mu     sync.Mutex
	events []typingEvent
}

func (r *typingRecorder) record(roomID, userID string, isTyping bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, typingEvent{roomID, userID, isTyping})
}

func (r *typingRecorder) all() []typingEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]typingEvent(nil), r.events...)
}

func newTestTyping(t *testing.T, conf TypingConf) (*Typing, *typingRecorder) {
	t.Helper()
	r := &typingRecorder{}
	ty := NewTyping(conf, r.record)
	t.Cleanup(ty.Close)
	return ty, r
}

func TestTypingStartBroadcastsOnce(t *testing.T) {
	now := time.Now()
	ty, rec := newTestTyping(t, TypingConf{
		Expiry:   time.Hour,
		Throttle: time.Second,
		Clock:    func() time.Time { return now },
	})

	ty.SetTyping("dm:alice:bob", "alice", true)
	require.Equal(t, []typingEvent{{"dm:alice:bob", "alice", true}}, rec.all())
	assert.Equal(t, []string{"alice"}, ty.TypingIn("dm:alice:bob"))
}

func TestTypingRenewalsAreThrottled(t *testing.T) {
	now := time.Now()
	ty, rec := newTestTyping(t, TypingConf{
		Expiry:   time.Hour,
		Throttle: time.Second,
		Clock:    func() time.Time { return now },
	})

	ty.SetTyping("room", "alice", true)
	now = now.Add(300 * time.Millisecond)
	ty.SetTyping("room", "alice", true)
	now = now.Add(300 * time.Millisecond)
	ty.SetTyping("room", "alice", true)
	require.Len(t, rec.all(), 1, "renewals inside the throttle window stay silent")

	now = now.Add(time.Second)
	ty.SetTyping("room", "alice", true)
	assert.Len(t, rec.all(), 2, "a renewal past the throttle broadcasts again")
}

func TestTypingStopIsNeverThrottled(t *testing.T) {
	now := time.Now()
	ty, rec := newTestTyping(t, TypingConf{
		Expiry:   time.Hour,
		Throttle: time.Minute,
		Clock:    func() time.Time { return now },
	})

	ty.SetTyping("room", "alice", true)
	ty.SetTyping("room", "alice", false)

	events := rec.all()
	require.Len(t, events, 2)
	assert.True(t, events[0].isTyping)
	assert.False(t, events[1].isTyping)
	assert.Empty(t, ty.TypingIn("room"))
}

func TestTypingStopWithoutStartIsNoop(t *testing.T) {
	ty, rec := newTestTyping(t, TypingConf{Expiry: time.Hour})
	ty.SetTyping("room", "alice", false)
	assert.Empty(t, rec.all())
}

func TestTypingAutoExpires(t *testing.T) {
	ty, rec := newTestTyping(t, TypingConf{
		Expiry:   30 * time.Millisecond,
		Throttle: time.Millisecond,
	})

	ty.SetTyping("room", "alice", true)
	require.Eventually(t, func() bool {
		return len(ty.TypingIn("room")) == 0
	}, time.Second, 5*time.Millisecond)

	events := rec.all()
	require.Len(t, events, 2, "auto-expiry emits the stop")
	assert.False(t, events[1].isTyping)
}

func TestTypingRenewalPostponesExpiry(t *testing.T) {
	ty, _ := newTestTyping(t, TypingConf{
		Expiry:   60 * time.Millisecond,
		Throttle: time.Millisecond,
	})

	ty.SetTyping("room", "alice", true)
	for i := 0; i < 4; i++ {
		time.Sleep(30 * time.Millisecond)
		ty.SetTyping("room", "alice", true)
	}
	// 120ms past the first start, but each renewal reset the clock
	assert.Equal(t, []string{"alice"}, ty.TypingIn("room"))
}

func TestClearUserEmitsStopsEverywhere(t *testing.T) {
	ty, rec := newTestTyping(t, TypingConf{Expiry: time.Hour})

	ty.SetTyping("room-a", "alice", true)
	ty.SetTyping("room-b", "alice", true)
	ty.SetTyping("room-a", "bob", true)

	ty.ClearUser("alice")

	assert.Equal(t, []string{"bob"}, ty.TypingIn("room-a"))
	assert.Empty(t, ty.TypingIn("room-b"))

	stops := 0
	for _, e := range rec.all() {
		if !e.isTyping && e.userID == "alice" {
			stops++
		}
	}
	assert.Equal(t, 2, stops)
}

func TestTypingSweepDropsStaleEntries(t *testing.T) {
	now := time.Now()
	ty, rec := newTestTyping(t, TypingConf{
		Expiry: time.Hour,
		Clock:  func() time.Time { return now },
	})

	ty.SetTyping("room", "alice", true)
	ty.sweepOnce(now.Add(3 * time.Hour))

	assert.Empty(t, ty.TypingIn("room"))
	events := rec.all()
	require.Len(t, events, 2)
	assert.False(t, events[1].isTyping)
}

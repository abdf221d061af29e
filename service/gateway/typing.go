package gateway

import (
	"sync"
	"time"

	"github.com/Logan27/mini-messenger-sub000/logger"

	"go.uber.org/zap"
)

// TypingBroadcaster emits a typing transition to a room's audience.
type TypingBroadcaster func(roomID, userID string, isTyping bool)

type TypingConf struct {
	Expiry     time.Duration // auto-stop after this much silence
	Throttle   time.Duration // min interval between "typing" broadcasts
	SweepEvery time.Duration
	Clock      func() time.Time
}

func (c *TypingConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Expiry <= 0 {
		c.Expiry = 3 * time.Second
	}
	if c.Throttle <= 0 {
		c.Throttle = time.Second
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 30 * time.Second
	}
}

type typingEntry struct {
	lastBroadcast time.Time
	renewedAt     time.Time
	timer         *time.Timer
}

// Typing tracks who is typing in which room. "typing" broadcasts are
// throttled per user per room; entries self-expire after the configured
// silence and an explicit stop clears them immediately.
type Typing struct {
	mu    sync.Mutex
	rooms map[string]map[string]*typingEntry // room -> user -> entry

	broadcast TypingBroadcaster
	conf      TypingConf
	log       *zap.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewTyping(conf TypingConf, broadcast TypingBroadcaster) *Typing {
	conf.norm()
	t := &Typing{
		rooms:     make(map[string]map[string]*typingEntry),
		broadcast: broadcast,
		conf:      conf,
		log:       logger.Named("typing"),
		stopCh:    make(chan struct{}),
	}
	go t.sweeper()
	return t
}

func (t *Typing) SetTyping(roomID, userID string, isTyping bool) {
	if isTyping {
		t.start(roomID, userID)
	} else {
		t.stop(roomID, userID, true)
	}
}

func (t *Typing) start(roomID, userID string) {
	now := t.conf.Clock()

	t.mu.Lock()
	room := t.rooms[roomID]
	if room == nil {
		room = make(map[string]*typingEntry)
		t.rooms[roomID] = room
	}
	e := room[userID]
	emit := false
	if e == nil {
		e = &typingEntry{lastBroadcast: now, renewedAt: now}
		e.timer = time.AfterFunc(t.conf.Expiry, func() { t.stop(roomID, userID, true) })
		room[userID] = e
		emit = true
	} else {
		// renewal: reset the auto-stop, throttle the broadcast
		e.renewedAt = now
		e.timer.Stop()
		e.timer.Reset(t.conf.Expiry)
		if now.Sub(e.lastBroadcast) >= t.conf.Throttle {
			e.lastBroadcast = now
			emit = true
		}
	}
	t.mu.Unlock()

	if emit {
		t.broadcast(roomID, userID, true)
	}
}

// stop removes the entry; the "stopped typing" broadcast is never throttled.
func (t *Typing) stop(roomID, userID string, emit bool) {
	t.mu.Lock()
	room := t.rooms[roomID]
	e := room[userID]
	if e == nil {
		t.mu.Unlock()
		return
	}
	e.timer.Stop()
	delete(room, userID)
	if len(room) == 0 {
		delete(t.rooms, roomID)
	}
	t.mu.Unlock()

	if emit {
		t.broadcast(roomID, userID, false)
	}
}

// ClearUser drops the user's typing entries everywhere, emitting stops; used
// when a connection drops mid-typing.
func (t *Typing) ClearUser(userID string) {
	t.mu.Lock()
	var cleared []string
	for roomID, room := range t.rooms {
		if e, ok := room[userID]; ok {
			e.timer.Stop()
			delete(room, userID)
			if len(room) == 0 {
				delete(t.rooms, roomID)
			}
			cleared = append(cleared, roomID)
		}
	}
	t.mu.Unlock()

	for _, roomID := range cleared {
		t.broadcast(roomID, userID, false)
	}
}

// TypingIn reports who is currently typing in the room.
func (t *Typing) TypingIn(roomID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	room := t.rooms[roomID]
	out := make([]string, 0, len(room))
	for user := range room {
		out = append(out, user)
	}
	return out
}

func (t *Typing) sweeper() {
	ticker := time.NewTicker(t.conf.SweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case now := <-ticker.C:
			t.sweepOnce(now)
		}
	}
}

// sweepOnce is the backstop for entries whose timer was lost to a disconnect
// race; anything past 2x expiry goes.
func (t *Typing) sweepOnce(now time.Time) {
	t.mu.Lock()
	type stale struct{ room, user string }
	var found []stale
	for roomID, room := range t.rooms {
		for userID, e := range room {
			if now.Sub(e.renewedAt) > 2*t.conf.Expiry {
				e.timer.Stop()
				delete(room, userID)
				found = append(found, stale{roomID, userID})
			}
		}
		if len(room) == 0 {
			delete(t.rooms, roomID)
		}
	}
	t.mu.Unlock()

	for _, s := range found {
		t.log.Debug("swept stale typing entry",
			zap.String("room", s.room), zap.String("user", s.user))
		t.broadcast(s.room, s.user, false)
	}
}

func (t *Typing) Close() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, room := range t.rooms {
		for _, e := range room {
			e.timer.Stop()
		}
	}
	t.rooms = make(map[string]map[string]*typingEntry)
}

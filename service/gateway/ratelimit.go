package gateway

import (
	"strings"
	"sync"
	"time"

	"github.com/Logan27/mini-messenger-sub000/config"
	"github.com/Logan27/mini-messenger-sub000/logger"

	"go.uber.org/zap"
)

// Category names one independently limited class of inbound traffic.
type Category string

const (
	CatSend        Category = "send"
	CatTyping      Category = "typing"
	CatPresence    Category = "presence"
	CatSignaling   Category = "signaling"
	CatCallControl Category = "call_control"
	CatReconnect   Category = "reconnect"
	CatConnect     Category = "connect"
)

type windowPolicy struct {
	max int
	per time.Duration
}

type windowState struct {
	count    int
	start    time.Time
	lastSeen time.Time
}

type LimiterConf struct {
	SweepEvery time.Duration
	Clock      func() time.Time
}

func (c *LimiterConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 30 * time.Second
	}
}

// RateLimiter applies fixed windows per (actor, category). On window expiry
// the counter resets and the window start moves to now; boundary bursts are
// an accepted trade-off of the fixed window.
type RateLimiter struct {
	mu       sync.Mutex
	policies map[Category]windowPolicy
	windows  map[string]*windowState

	conf LimiterConf
	log  *zap.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewRateLimiter(rates config.Rates, conf LimiterConf) *RateLimiter {
	conf.norm()
	l := &RateLimiter{
		policies: map[Category]windowPolicy{
			CatSend:        {rates.Send.Max, rates.Send.Per.D()},
			CatTyping:      {rates.Typing.Max, rates.Typing.Per.D()},
			CatPresence:    {rates.Presence.Max, rates.Presence.Per.D()},
			CatSignaling:   {rates.Signaling.Max, rates.Signaling.Per.D()},
			CatCallControl: {rates.CallControl.Max, rates.CallControl.Per.D()},
			CatReconnect:   {rates.Reconnect.Max, rates.Reconnect.Per.D()},
			CatConnect:     {rates.Connect.Max, rates.Connect.Per.D()},
		},
		windows: make(map[string]*windowState),
		conf:    conf,
		log:     logger.Named("ratelimit"),
		stopCh:  make(chan struct{}),
	}
	go l.sweeper()
	return l
}

// Admit counts one event for the actor in the category and reports whether
// it fits the current window. Unlimited categories admit everything.
func (l *RateLimiter) Admit(actorID string, cat Category) bool {
	pol, ok := l.policies[cat]
	if !ok || pol.max <= 0 {
		return true
	}
	now := l.conf.Clock()
	key := actorID + "|" + string(cat)

	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.windows[key]
	if w == nil {
		w = &windowState{start: now}
		l.windows[key] = w
	}
	if now.Sub(w.start) >= pol.per {
		w.count = 0
		w.start = now
	}
	w.lastSeen = now
	w.count++
	return w.count <= pol.max
}

func (l *RateLimiter) sweeper() {
	t := time.NewTicker(l.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case now := <-t.C:
			l.sweepOnce(now)
		}
	}
}

// sweepOnce drops entries idle for 5x their window to bound memory.
func (l *RateLimiter) sweepOnce(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, w := range l.windows {
		cat := Category(key[strings.LastIndexByte(key, '|')+1:])
		pol, ok := l.policies[cat]
		if !ok {
			delete(l.windows, key)
			continue
		}
		if now.Sub(w.lastSeen) > 5*pol.per {
			delete(l.windows, key)
		}
	}
}

func (l *RateLimiter) Close() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

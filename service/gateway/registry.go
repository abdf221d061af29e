package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/Logan27/mini-messenger-sub000/logger"
	"github.com/Logan27/mini-messenger-sub000/service/bus"
	"github.com/Logan27/mini-messenger-sub000/tools/decode"
	"github.com/Logan27/mini-messenger-sub000/tools/safe"

	"go.uber.org/zap"
)

// AudienceSource resolves who is allowed to observe a user's presence
// (contacts and group co-members). MessageStore satisfies it.
type AudienceSource interface {
	AudienceOf(ctx context.Context, userID string) ([]string, error)
}

type RegistryConf struct {
	SweepEvery      time.Duration
	HeartbeatTTL    time.Duration
	AudienceTimeout time.Duration
	Clock           func() time.Time // injectable for tests; nil => time.Now
}

func (c *RegistryConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 30 * time.Second
	}
	if c.HeartbeatTTL <= 0 {
		c.HeartbeatTTL = 75 * time.Second
	}
	if c.AudienceTimeout <= 0 {
		c.AudienceTimeout = 5 * time.Second
	}
}

// Registry tracks live connections per user, room subscriptions and presence
// for one instance. Cross-instance delivery goes out on the bus; incoming
// bus envelopes are replayed against the local indexes only.
type Registry struct {
	mu       sync.RWMutex
	byConn   map[string]*Client
	byUser   map[string]map[string]*Client // user -> conn_id -> client
	rooms    map[string]map[string]*Client // room -> conn_id -> client
	presence map[string]*PresenceState

	nodeID   string
	bus      bus.Bus
	channel  string
	audience AudienceSource
	pool     *Fanout
	log      *zap.Logger
	conf     RegistryConf

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewRegistry(conf RegistryConf, nodeID string, b bus.Bus, channel string, audience AudienceSource, pool *Fanout) *Registry {
	conf.norm()
	r := &Registry{
		byConn:   make(map[string]*Client),
		byUser:   make(map[string]map[string]*Client),
		rooms:    make(map[string]map[string]*Client),
		presence: make(map[string]*PresenceState),
		nodeID:   nodeID,
		bus:      b,
		channel:  channel,
		audience: audience,
		pool:     pool,
		log:      logger.Named("registry"),
		conf:     conf,
		stopCh:   make(chan struct{}),
	}
	go r.sweeper()
	return r
}

// Register adds the connection to the user's set and reports whether it is
// the user's first active connection. A first connection flips presence to
// online and broadcasts the transition to the user's audience.
func (r *Registry) Register(c *Client) (first bool) {
	now := r.conf.Clock()

	r.mu.Lock()
	m := r.byUser[c.UserID]
	if m == nil {
		m = make(map[string]*Client)
		r.byUser[c.UserID] = m
	}
	first = len(m) == 0
	m[c.ConnID] = c
	r.byConn[c.ConnID] = c
	c.rooms = make(map[string]struct{})
	c.expireAt = now.Add(r.conf.HeartbeatTTL)
	if first {
		r.presence[c.UserID] = &PresenceState{
			UserID: c.UserID, Status: StatusOnline, ChangedAt: now, ConnID: c.ConnID,
		}
	}
	r.mu.Unlock()

	if first {
		r.broadcastPresence(c.UserID, StatusOnline)
	}
	return first
}

// Unregister removes the connection; when the user's set becomes empty the
// presence transitions to offline and the transition is broadcast.
func (r *Registry) Unregister(connID string) (userID string, last bool) {
	now := r.conf.Clock()

	r.mu.Lock()
	c, ok := r.byConn[connID]
	if !ok {
		r.mu.Unlock()
		return "", false
	}
	delete(r.byConn, connID)
	userID = c.UserID
	if m := r.byUser[userID]; m != nil {
		delete(m, connID)
		if len(m) == 0 {
			delete(r.byUser, userID)
			last = true
			r.presence[userID] = &PresenceState{UserID: userID, Status: StatusOffline, ChangedAt: now}
		}
	}
	for room := range c.rooms {
		if rm := r.rooms[room]; rm != nil {
			delete(rm, connID)
			if len(rm) == 0 {
				delete(r.rooms, room)
			}
		}
	}
	r.mu.Unlock()

	c.close()
	if last {
		r.broadcastPresence(userID, StatusOffline)
	}
	return userID, last
}

// ConnectionsFor returns the live local connection ids for a user, used to
// decide "is this user reachable here" before the push bridge kicks in.
func (r *Registry) ConnectionsFor(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := r.byUser[userID]
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	return out
}

// JoinRooms subscribes a connection to the given rooms (group rooms the user
// is a member of, resolved at connect time).
func (r *Registry) JoinRooms(connID string, roomIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byConn[connID]
	if !ok {
		return
	}
	for _, room := range roomIDs {
		rm := r.rooms[room]
		if rm == nil {
			rm = make(map[string]*Client)
			r.rooms[room] = rm
		}
		rm[connID] = c
		c.rooms[room] = struct{}{}
	}
}

// Heartbeat renews the connection's liveness deadline.
func (r *Registry) Heartbeat(connID string) {
	now := r.conf.Clock()
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.byConn[connID]; ok {
		c.expireAt = now.Add(r.conf.HeartbeatTTL)
	}
}

// SetStatus applies an explicit status-change request and broadcasts it to
// the user's audience.
func (r *Registry) SetStatus(userID, status, connID string) {
	now := r.conf.Clock()
	r.mu.Lock()
	r.presence[userID] = &PresenceState{UserID: userID, Status: status, ChangedAt: now, ConnID: connID}
	r.mu.Unlock()
	r.broadcastPresence(userID, status)
}

// PresenceOf returns the current derived state; offline when unknown.
func (r *Registry) PresenceOf(userID string) PresenceState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.presence[userID]; ok {
		return *p
	}
	return PresenceState{UserID: userID, Status: StatusOffline}
}

// BroadcastToUser delivers to every local connection of the user and
// publishes on the bus so other instances deliver to theirs. A user with no
// reachable connection anywhere makes this a no-op, not an error.
func (r *Registry) BroadcastToUser(userID, event string, frame []byte) {
	r.deliverLocalUser(userID, frame)
	r.publish(bus.Envelope{
		Origin:  r.nodeID,
		Scope:   bus.ScopeUser,
		Target:  userID,
		Event:   event,
		Payload: json.RawMessage(frame),
	})
}

// BroadcastToRoom delivers to local room members (minus exceptUser) and
// publishes for the other instances.
func (r *Registry) BroadcastToRoom(roomID, event string, frame []byte, exceptUser string) {
	r.deliverLocalRoom(roomID, frame, exceptUser)
	r.publish(bus.Envelope{
		Origin:  r.nodeID,
		Scope:   bus.ScopeRoom,
		Target:  roomID,
		Except:  exceptUser,
		Event:   event,
		Payload: json.RawMessage(frame),
	})
}

func (r *Registry) publish(env bus.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.bus.Publish(ctx, r.channel, env); err != nil {
		// degrade to local-only delivery
		r.log.Warn("bus unavailable, local-only delivery",
			zap.String("event", env.Event), zap.Error(err))
	}
}

// wireFrame is the minimal typed view of an envelope payload coming off the
// broker, enough to reject garbage before it reaches any connection.
type wireFrame struct {
	Type string `json:"type"`
}

// HandleBusEnvelope replays a remote broadcast against the local indexes.
// Envelopes published by this instance are skipped.
func (r *Registry) HandleBusEnvelope(env bus.Envelope) {
	if env.Origin == r.nodeID {
		return
	}
	if env.Scope == bus.ScopeAck {
		// receipts belong to the tracker, not to any connection
		return
	}
	if m, ok := env.Payload.(map[string]any); ok {
		wf, err := decode.DecodeMap[wireFrame](m)
		if err != nil || frameTypes[wf.Type] == FrameUnknown {
			r.log.Debug("dropping envelope with unknown frame shape",
				zap.String("origin", env.Origin), zap.String("event", env.Event))
			return
		}
	}
	frame, err := json.Marshal(env.Payload)
	if err != nil || len(frame) == 0 {
		return
	}
	switch env.Scope {
	case bus.ScopeUser:
		r.deliverLocalUser(env.Target, frame)
	case bus.ScopeRoom:
		r.deliverLocalRoom(env.Target, frame, env.Except)
	default:
		r.log.Debug("unknown envelope scope", zap.String("scope", env.Scope))
	}
}

func (r *Registry) deliverLocalUser(userID string, frame []byte) {
	r.mu.RLock()
	m := r.byUser[userID]
	clients := make([]*Client, 0, len(m))
	for _, c := range m {
		clients = append(clients, c)
	}
	r.mu.RUnlock()
	r.pool.Broadcast(clients, frame)
}

func (r *Registry) deliverLocalRoom(roomID string, frame []byte, exceptUser string) {
	r.mu.RLock()
	rm := r.rooms[roomID]
	clients := make([]*Client, 0, len(rm))
	for _, c := range rm {
		if exceptUser != "" && c.UserID == exceptUser {
			continue
		}
		clients = append(clients, c)
	}
	r.mu.RUnlock()
	r.pool.Broadcast(clients, frame)
}

// broadcastPresence fans a presence transition out to the user's audience
// only; cost scales with audience size, never total user count.
func (r *Registry) broadcastPresence(userID, status string) {
	safe.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.conf.AudienceTimeout)
		defer cancel()
		members, err := r.audience.AudienceOf(ctx, userID)
		if err != nil {
			r.log.Warn("audience lookup failed", zap.String("user_id", userID), zap.Error(err))
			return
		}
		frame := BuildPresence(userID, status)
		for _, member := range members {
			if member == userID {
				continue
			}
			r.BroadcastToUser(member, "presence", frame)
		}
	})
}

func (r *Registry) sweeper() {
	t := time.NewTicker(r.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case now := <-t.C:
			r.sweepOnce(now)
		}
	}
}

// sweepOnce force-unregisters connections whose heartbeat deadline passed.
func (r *Registry) sweepOnce(now time.Time) {
	r.mu.RLock()
	var expired []string
	for id, c := range r.byConn {
		if now.After(c.expireAt) {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range expired {
		r.log.Info("closing expired connection", zap.String("conn_id", id))
		r.Unregister(id)
	}
}

func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.mu.Lock()
	clients := make([]*Client, 0, len(r.byConn))
	for _, c := range r.byConn {
		clients = append(clients, c)
	}
	r.byConn = make(map[string]*Client)
	r.byUser = make(map[string]map[string]*Client)
	r.rooms = make(map[string]map[string]*Client)
	r.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

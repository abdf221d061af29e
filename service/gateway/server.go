package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Logan27/mini-messenger-sub000/config"
	"github.com/Logan27/mini-messenger-sub000/logger"
	"github.com/Logan27/mini-messenger-sub000/service/bus"
	"github.com/Logan27/mini-messenger-sub000/tools/decode"
	"github.com/Logan27/mini-messenger-sub000/tools/errs"
	"github.com/Logan27/mini-messenger-sub000/tools/security"

	"go.uber.org/zap"
)

// Server is one gateway instance: registry, limiter, tracker, typing
// coordinator and fan-out engine wired together over a shared bus. All state
// is owned here and injected downward; there are no package singletons.
type Server struct {
	cfg     config.Config
	reg     *Registry
	limiter *RateLimiter
	tracker *Tracker
	typing  *Typing
	engine  *Engine
	disp    *Dispatcher
	pool    *Fanout
	bus     bus.Bus
	store   MessageStore
	jwtOpts security.Options
	log     *zap.Logger
}

func NewServer(cfg config.Config, b bus.Bus, store MessageStore, push PushBridge, counter CounterStore) (*Server, error) {
	pool := NewFanout(cfg.Gateway.FanoutWorkers, cfg.Gateway.FanoutQueue)

	reg := NewRegistry(RegistryConf{
		SweepEvery:      cfg.Timing.SweepEvery.D(),
		HeartbeatTTL:    cfg.Timing.HeartbeatTTL.D(),
		AudienceTimeout: cfg.Timing.StoreTimeout.D(),
	}, cfg.Node.ID, b, cfg.Bus.Channel, store, pool)

	limiter := NewRateLimiter(cfg.Rates, LimiterConf{SweepEvery: cfg.Timing.SweepEvery.D()})

	tracker := NewTracker(TrackerConf{
		DeliveryTimeout:  cfg.Timing.DeliveryTimeout.D(),
		FlushInterval:    cfg.Timing.SeqFlushInterval.D(),
		RecoveryGap:      cfg.Timing.SeqRecoveryGap,
		ReceiptRetention: cfg.Timing.ReceiptRetention.D(),
		SweepEvery:       cfg.Timing.SweepEvery.D(),
	}, counter, reg)

	s := &Server{
		cfg:     cfg,
		reg:     reg,
		limiter: limiter,
		tracker: tracker,
		disp:    NewDispatcher(),
		pool:    pool,
		bus:     b,
		store:   store,
		jwtOpts: security.DefaultOptions([]byte(cfg.Auth.JWTSecret)),
		log:     logger.Named("gateway"),
	}

	s.typing = NewTyping(TypingConf{
		Expiry:     cfg.Timing.TypingExpiry.D(),
		Throttle:   cfg.Timing.TypingThrottle.D(),
		SweepEvery: cfg.Timing.SweepEvery.D(),
	}, s.broadcastTyping)

	s.engine = NewEngine(EngineConf{
		StoreTimeout: cfg.Timing.StoreTimeout.D(),
		PushTimeout:  cfg.Timing.PushTimeout.D(),
	}, reg, limiter, tracker, store, push)

	s.registerHandlers()

	if err := b.Subscribe(cfg.Bus.Channel, s.handleBusEnvelope); err != nil {
		return nil, errs.WrapMsg(err, "subscribe bus channel")
	}
	return s, nil
}

func (s *Server) Registry() *Registry { return s.reg }
func (s *Server) Tracker() *Tracker { return s.tracker }
func (s *Server) Typing() *Typing { return s.typing }
func (s *Server) Engine() *Engine { return s.engine }
func (s *Server) Limiter() *RateLimiter { return s.limiter }

func (s *Server) registerHandlers() {
	s.disp.Register(FrameHandshake, s.handleHandshake)
	s.disp.Register(FrameMessageSend, s.handleSend)
	s.disp.Register(FrameDelivered, s.handleDelivered)
	s.disp.Register(FrameRead, s.handleRead)
	s.disp.Register(FrameTyping, s.handleTyping)
	s.disp.Register(FramePresence, s.handlePresence)
	s.disp.Register(FrameHeartbeat, s.handleHeartbeat)
	s.disp.Register(FrameSignaling, s.handleSignaling)
	s.disp.Register(FrameCallControl, s.handleCallControl)
	s.disp.Cover(inboundTypes())
}

// categoryFor maps inbound frame kinds to rate-limit categories; kinds
// without a category (acks, heartbeat) are not limited.
func categoryFor(t FrameType) (Category, bool) {
	switch t {
	case FrameMessageSend:
		return CatSend, true
	case FrameTyping:
		return CatTyping, true
	case FramePresence:
		return CatPresence, true
	case FrameSignaling:
		return CatSignaling, true
	case FrameCallControl:
		return CatCallControl, true
	}
	return "", false
}

// ---- frame handlers ----

// handleHandshake: authentication happened before registration; a repeated
// handshake on a live connection is ignored.
func (s *Server) handleHandshake(_ *Client, _ *Frame) error { return nil }

func (s *Server) handleSend(c *Client, f *Frame) error {
	var p SendPayload
	if err := json.Unmarshal(f.Data, &p); err != nil {
		return errs.ErrValidation.WrapMsg("malformed send payload")
	}
	env := &MessageEnvelope{
		SenderID:    c.UserID,
		RecipientID: p.RecipientID,
		GroupID:     p.GroupID,
		Content:     p.Content,
		ContentType: p.ContentType,
		ReplyTo:     p.ReplyTo,
		ClientMsgID: p.ClientMsgID,
		CreatedAt:   time.Now(),
	}
	_, err := s.engine.Send(context.Background(), env)
	return err
}

func (s *Server) handleDelivered(c *Client, f *Frame) error {
	var p AckPayload
	if err := json.Unmarshal(f.Data, &p); err != nil || p.MessageID == "" {
		return errs.ErrValidation.WrapMsg("malformed delivered ack")
	}
	if !s.tracker.AckDelivered(p.MessageID, c.UserID) {
		s.forwardAck(FrameDelivered, p.MessageID, c.UserID)
	}
	return nil
}

func (s *Server) handleRead(c *Client, f *Frame) error {
	var p AckPayload
	if err := json.Unmarshal(f.Data, &p); err != nil || p.MessageID == "" {
		return errs.ErrValidation.WrapMsg("malformed read ack")
	}
	if !s.tracker.AckRead(p.MessageID, c.UserID) {
		s.forwardAck(FrameRead, p.MessageID, c.UserID)
	}
	return nil
}

// forwardAck ships a receipt this instance cannot settle (the delivery record
// lives where the message was sent from) to the other instances.
func (s *Server) forwardAck(kind FrameType, messageID, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.bus.Publish(ctx, s.cfg.Bus.Channel, bus.Envelope{
		Origin:  s.cfg.Node.ID,
		Scope:   bus.ScopeAck,
		Target:  messageID,
		Event:   kind.String(),
		Payload: AckPayload{MessageID: messageID, UserID: userID, Ts: time.Now().UnixMilli()},
	})
	if err != nil {
		s.log.Warn("ack forward failed",
			zap.String("message_id", messageID), zap.Error(err))
	}
}

// handleBusEnvelope is the instance's single bus subscription: ack envelopes
// settle delivery receipts, everything else replays through the registry.
func (s *Server) handleBusEnvelope(env bus.Envelope) {
	if env.Scope == bus.ScopeAck {
		s.handleBusAck(env)
		return
	}
	s.reg.HandleBusEnvelope(env)
}

// handleBusAck settles receipts forwarded by other instances. Unknown pairs
// stay unknown; a forwarded ack is never forwarded again.
func (s *Server) handleBusAck(env bus.Envelope) {
	if env.Origin == s.cfg.Node.ID {
		return
	}
	m, ok := env.Payload.(map[string]any)
	if !ok {
		return
	}
	p, err := decode.DecodeMap[AckPayload](m)
	if err != nil || p.MessageID == "" || p.UserID == "" {
		return
	}
	switch env.Event {
	case FrameDelivered.String():
		s.tracker.AckDelivered(p.MessageID, p.UserID)
	case FrameRead.String():
		s.tracker.AckRead(p.MessageID, p.UserID)
	}
}

func (s *Server) handleTyping(c *Client, f *Frame) error {
	var p TypingPayload
	if err := json.Unmarshal(f.Data, &p); err != nil {
		return errs.ErrValidation.WrapMsg("malformed typing payload")
	}
	var room string
	switch {
	case p.GroupID != "":
		room = RoomForGroup(p.GroupID)
	case p.RecipientID != "":
		room = RoomForPair(c.UserID, p.RecipientID)
	default:
		return errs.ErrValidation.WrapMsg("typing needs recipient_id or group_id")
	}
	s.typing.SetTyping(room, c.UserID, p.IsTyping)
	return nil
}

func (s *Server) handlePresence(c *Client, f *Frame) error {
	var p PresencePayload
	if err := json.Unmarshal(f.Data, &p); err != nil {
		return errs.ErrValidation.WrapMsg("malformed presence payload")
	}
	switch p.Status {
	case StatusOnline, StatusAway, StatusOffline:
	default:
		return errs.ErrValidation.WrapMsg("unknown status")
	}
	s.reg.SetStatus(c.UserID, p.Status, c.ConnID)
	return nil
}

func (s *Server) handleHeartbeat(c *Client, _ *Frame) error {
	s.reg.Heartbeat(c.ConnID)
	c.trySend(BuildPong())
	return nil
}

func (s *Server) handleSignaling(c *Client, f *Frame) error {
	return s.relay(c, f, FrameSignaling)
}

func (s *Server) handleCallControl(c *Client, f *Frame) error {
	return s.relay(c, f, FrameCallControl)
}

// relay passes signaling-style events through to an active peer; unlike
// message sends these do not queue for offline delivery.
func (s *Server) relay(c *Client, f *Frame, kind FrameType) error {
	var p SignalPayload
	if err := json.Unmarshal(f.Data, &p); err != nil || p.TargetID == "" {
		return errs.ErrValidation.WrapMsg("malformed signal payload")
	}
	if len(s.reg.ConnectionsFor(p.TargetID)) == 0 &&
		s.reg.PresenceOf(p.TargetID).Status == StatusOffline {
		return errs.ErrTargetOffline.Wrap()
	}
	p.FromID = c.UserID
	s.reg.BroadcastToUser(p.TargetID, kind.String(), MarshalFrame(kind, p))
	return nil
}

// broadcastTyping routes a typing transition to the room audience, excluding
// the typist: the whole room for groups, the other participant for pairs.
func (s *Server) broadcastTyping(roomID, userID string, isTyping bool) {
	if IsGroupRoom(roomID) {
		groupID := roomID[len("group:"):]
		frame := BuildTyping(userID, "", groupID, isTyping)
		s.reg.BroadcastToRoom(roomID, FrameTyping.String(), frame, userID)
		return
	}
	other := PairOther(roomID, userID)
	if other == "" {
		return
	}
	frame := BuildTyping(userID, other, "", isTyping)
	s.reg.BroadcastToUser(other, FrameTyping.String(), frame)
}

// Close shuts the instance down: sweepers stop, the bus subscription ends,
// remaining connections close.
func (s *Server) Close() {
	s.typing.Close()
	s.tracker.Close()
	s.limiter.Close()
	s.reg.Close()
	s.pool.Stop()
	if err := s.bus.Close(); err != nil {
		s.log.Warn("bus close", zap.Error(err))
	}
}

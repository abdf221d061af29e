package gateway

import (
	"context"
	"time"

	"github.com/Logan27/mini-messenger-sub000/logger"
	"github.com/Logan27/mini-messenger-sub000/tools/errs"
	"github.com/Logan27/mini-messenger-sub000/tools/safe"

	"go.uber.org/zap"
)

type EngineConf struct {
	StoreTimeout time.Duration
	PushTimeout  time.Duration
}

func (c *EngineConf) norm() {
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	if c.PushTimeout <= 0 {
		c.PushTimeout = 3 * time.Second
	}
}

// Engine orchestrates one send: validate, admit, persist, assign sequence,
// deliver, bridge offline targets to push, echo to the sender.
type Engine struct {
	reg     *Registry
	limiter *RateLimiter
	tracker *Tracker
	store   MessageStore
	push    PushBridge
	conf    EngineConf
	log     *zap.Logger
}

func NewEngine(conf EngineConf, reg *Registry, limiter *RateLimiter, tracker *Tracker, store MessageStore, push PushBridge) *Engine {
	conf.norm()
	return &Engine{
		reg:     reg,
		limiter: limiter,
		tracker: tracker,
		store:   store,
		push:    push,
		conf:    conf,
		log:     logger.Named("engine"),
	}
}

// Send runs the full pipeline. Persistence failure aborts the whole send
// before any side effect is visible; downstream delivery and push errors are
// logged and never roll back the committed message.
func (e *Engine) Send(ctx context.Context, env *MessageEnvelope) (*MessageEnvelope, error) {
	if err := e.validate(ctx, env); err != nil {
		return nil, err
	}

	if !e.limiter.Admit(env.SenderID, CatSend) {
		return nil, errs.RateLimited(string(CatSend)).Wrap()
	}

	// durable commit gates everything after it; the sender's confirmation
	// must never precede it
	storeCtx, cancel := context.WithTimeout(ctx, e.conf.StoreTimeout)
	id, err := e.store.CreateMessage(storeCtx, env)
	cancel()
	if err != nil {
		return nil, errs.ErrPersistence.WrapMsg(err.Error())
	}
	env.ID = id
	if env.CreatedAt.IsZero() {
		env.CreatedAt = time.Now()
	}

	seq, err := e.tracker.NextSequence(ctx, env.SenderID)
	if err != nil {
		// the message is committed; a counter-store hiccup must not fail the
		// send, the sequence just degrades to in-memory continuity
		e.log.Warn("sequence store unavailable", zap.String("sender", env.SenderID), zap.Error(err))
	} else {
		env.Seq = seq
	}

	frame := BuildMessageNew(env)
	if env.Direct() {
		e.deliverDirect(env, frame)
	} else {
		e.deliverGroup(ctx, env, frame)
	}

	// echo for optimistic-UI reconciliation and multi-device sync
	e.reg.BroadcastToUser(env.SenderID, FrameMessageNew.String(), frame)
	return env, nil
}

func (e *Engine) validate(ctx context.Context, env *MessageEnvelope) error {
	if env.SenderID == "" {
		return errs.ErrValidation.WrapMsg("sender missing")
	}
	hasRecipient := env.RecipientID != ""
	hasGroup := env.GroupID != ""
	if hasRecipient == hasGroup {
		return errs.ErrValidation.WrapMsg("exactly one of recipient_id and group_id required")
	}
	if env.Content == "" {
		return errs.ErrValidation.WrapMsg("empty content")
	}

	vctx, cancel := context.WithTimeout(ctx, e.conf.StoreTimeout)
	defer cancel()
	if hasRecipient {
		ok, err := e.store.RecipientActive(vctx, env.RecipientID)
		if err != nil {
			return errs.ErrPersistence.WrapMsg(err.Error())
		}
		if !ok {
			return errs.ErrValidation.WrapMsg("unknown or inactive recipient")
		}
		return nil
	}
	ok, err := e.store.MemberOfGroup(vctx, env.GroupID, env.SenderID)
	if err != nil {
		return errs.ErrPersistence.WrapMsg(err.Error())
	}
	if !ok {
		return errs.ErrValidation.WrapMsg("sender is not an active group member")
	}
	return nil
}

func (e *Engine) deliverDirect(env *MessageEnvelope, frame []byte) {
	e.reg.BroadcastToUser(env.RecipientID, FrameMessageNew.String(), frame)
	e.tracker.TrackDelivery(env.ID, env.RecipientID, env)
	if len(e.reg.ConnectionsFor(env.RecipientID)) == 0 {
		e.bridgeOffline(env, env.RecipientID)
	}
}

func (e *Engine) deliverGroup(ctx context.Context, env *MessageEnvelope, frame []byte) {
	mctx, cancel := context.WithTimeout(ctx, e.conf.StoreTimeout)
	members, err := e.store.ActiveMembers(mctx, env.GroupID)
	cancel()
	if err != nil {
		// message is committed; degrade to room broadcast without per-member
		// tracking rather than failing the send
		e.log.Error("member list unavailable", zap.String("group_id", env.GroupID), zap.Error(err))
		e.reg.BroadcastToRoom(RoomForGroup(env.GroupID), FrameMessageNew.String(), frame, env.SenderID)
		return
	}

	targets := make([]string, 0, len(members))
	for _, m := range members {
		if m != env.SenderID {
			targets = append(targets, m)
		}
	}

	sctx, cancel := context.WithTimeout(ctx, e.conf.StoreTimeout)
	if err := e.store.BulkCreateMemberStatuses(sctx, env.ID, targets); err != nil {
		e.log.Error("bulk status create failed", zap.String("message_id", env.ID), zap.Error(err))
	}
	cancel()

	// one broadcast to the room, one delivery record per member
	e.reg.BroadcastToRoom(RoomForGroup(env.GroupID), FrameMessageNew.String(), frame, env.SenderID)
	for _, target := range targets {
		e.tracker.TrackDelivery(env.ID, target, env)
		if len(e.reg.ConnectionsFor(target)) == 0 {
			e.bridgeOffline(env, target)
		}
	}
}

// bridgeOffline hands the message to the push collaborator for one
// unreachable target. Fire-and-forget: push failure never fails the send.
func (e *Engine) bridgeOffline(env *MessageEnvelope, target string) {
	msgID, sender, content := env.ID, env.SenderID, env.Content
	safe.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.conf.PushTimeout)
		defer cancel()
		devices, err := e.store.ListDevices(ctx, target)
		if err != nil {
			e.log.Warn("device lookup failed", zap.String("user_id", target), zap.Error(err))
			return
		}
		data := map[string]string{"message_id": msgID, "sender_id": sender}
		for _, d := range devices {
			if err := e.push.SendPush(ctx, d.Token, sender, content, data); err != nil {
				e.log.Warn("push handoff failed",
					zap.String("user_id", target), zap.String("platform", d.Platform), zap.Error(err))
			}
		}
	})
}

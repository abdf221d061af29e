package bus

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/Logan27/mini-messenger-sub000/logger"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

type NatsConfig struct {
	Servers       []string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// NatsBus is the brokered alternative backend (core NATS, no persistence;
// bus traffic is fire-and-forget by design).
type NatsBus struct {
	nc  *nats.Conn
	log *zap.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

func NewNatsBus(cfg NatsConfig) (*NatsBus, error) {
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, err
	}
	return &NatsBus{nc: nc, log: logger.Named("bus.nats")}, nil
}

func (b *NatsBus) Publish(_ context.Context, channel string, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.nc.Publish(channel, data)
}

func (b *NatsBus) Subscribe(channel string, h Handler) error {
	sub, err := b.nc.Subscribe(channel, func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			b.log.Warn("drop malformed envelope", zap.Error(err))
			return
		}
		h(env)
	})
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

func (b *NatsBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		_ = sub.Drain()
	}
	b.subs = nil
	if b.nc != nil {
		return b.nc.Drain()
	}
	return nil
}

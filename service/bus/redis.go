package bus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/Logan27/mini-messenger-sub000/logger"
	"github.com/Logan27/mini-messenger-sub000/tools/safe"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBus is the primary cross-instance backend: one pub/sub channel shared
// by all gateway instances.
type RedisBus struct {
	rdb *redis.Client
	log *zap.Logger

	mu   sync.Mutex
	subs []*redis.PubSub
}

func NewRedisBus(rdb *redis.Client) *RedisBus {
	return &RedisBus{rdb: rdb, log: logger.Named("bus.redis")}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, channel, data).Err()
}

func (b *RedisBus) Subscribe(channel string, h Handler) error {
	ps := b.rdb.Subscribe(context.Background(), channel)
	// force the subscription before returning so callers can rely on it
	if _, err := ps.Receive(context.Background()); err != nil {
		_ = ps.Close()
		return err
	}

	b.mu.Lock()
	b.subs = append(b.subs, ps)
	b.mu.Unlock()

	safe.Go(func() {
		for msg := range ps.Channel() {
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.log.Warn("drop malformed envelope", zap.Error(err))
				continue
			}
			h(env)
		}
	})
	return nil
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var lastErr error
	for _, ps := range b.subs {
		if err := ps.Close(); err != nil {
			lastErr = err
		}
	}
	b.subs = nil
	return lastErr
}

package storage

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// counter key: cnt:<name>
func counterKey(key string) string { return "cnt:" + key }

// RedisCounter is the durable counter store used for sequence recovery.
type RedisCounter struct {
	rdb *redis.Client
}

func NewRedisCounter(rdb *redis.Client) *RedisCounter {
	return &RedisCounter{rdb: rdb}
}

// Get returns the stored value, or 0 when the key has never been written.
func (c *RedisCounter) Get(ctx context.Context, key string) (int64, error) {
	val, err := c.rdb.Get(ctx, counterKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "counter get")
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "counter %s holds non-integer %q", key, val)
	}
	return n, nil
}

func (c *RedisCounter) Set(ctx context.Context, key string, value int64) error {
	return errors.Wrap(c.rdb.Set(ctx, counterKey(key), value, 0).Err(), "counter set")
}

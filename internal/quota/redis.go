package quota

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisCounter is the remote Counter variant, for multi-replica proxy
// deployments where quota must be shared rather than per-process. Mirrors
// internal/mapping.redisStore's client/prefix shape.
type redisCounter struct {
	client *redis.Client
	prefix string
}

// NewRedisCounter creates a Counter backed by a Redis instance at addr.
func NewRedisCounter(addr, prefix string) Counter {
	if prefix == "" {
		prefix = "aiproxy:quota:"
	}
	return &redisCounter{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		prefix: prefix,
	}
}

func (c *redisCounter) key(tenant string, w Window) string {
	start := bucketStart(time.Now(), w)
	return c.prefix + key(tenant, w, start)
}

func (c *redisCounter) Increment(ctx context.Context, tenant string, w Window) (int64, error) {
	k := c.key(tenant, w)
	n, err := c.client.Incr(ctx, k).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		c.client.Expire(ctx, k, bucketTTL(w))
	}
	return n, nil
}

func (c *redisCounter) Check(ctx context.Context, tenant string, w Window, limit int64) (bool, int64, error) {
	n, err := c.client.Get(ctx, c.key(tenant, w)).Int64()
	if err == redis.Nil {
		return true, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	return n < limit, n, nil
}

func (c *redisCounter) Unwind(ctx context.Context, tenant string, w Window) error {
	k := c.key(tenant, w)
	n, err := c.client.Decr(ctx, k).Result()
	if err != nil {
		return err
	}
	if n < 0 {
		c.client.Set(ctx, k, 0, redis.KeepTTL)
	}
	return nil
}

func (c *redisCounter) Close() error {
	return c.client.Close()
}

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/aman-churiwal/quotagate/internal/storage"
	"github.com/aman-churiwal/quotagate/internal/tier"
)

// Redis shares windows between gateway instances. The algorithm is picked per
// rule, so tiers can mix fixed and sliding windows on one backend.
type Redis struct {
	fixed   *redisFixedWindow
	sliding *redisSlidingWindow
}

var _ Limiter = (*Redis)(nil)

func NewRedis(redis *storage.RedisClient) *Redis {
	return newRedisWithClock(redis, time.Now)
}

func newRedisWithClock(redis *storage.RedisClient, now func() time.Time) *Redis {
	return &Redis{
		fixed:   &redisFixedWindow{redis: redis, now: now},
		sliding: &redisSlidingWindow{redis: redis, now: now},
	}
}

func (r *Redis) Name() string {
	return "redis"
}

func (r *Redis) CheckAndConsume(ctx context.Context, key string, rule Rule) (Decision, error) {
	if rule.Algorithm == tier.SlidingWindow {
		return r.sliding.check(ctx, key, rule)
	}
	return r.fixed.check(ctx, key, rule)
}

func (r *Redis) Remaining(ctx context.Context, key string, rule Rule) (int, error) {
	if rule.Algorithm == tier.SlidingWindow {
		return r.sliding.remaining(ctx, key, rule)
	}
	return r.fixed.remaining(ctx, key, rule)
}

// Purge is a no-op; redis keys carry their own expiry.
func (r *Redis) Purge(time.Time) int {
	return 0
}

// Creates a limiter for the named backend
func NewLimiter(backend string, redis *storage.RedisClient, opts ...MemoryOption) (Limiter, error) {
	switch backend {
	case "memory", "":
		return NewMemory(opts...), nil
	case "redis":
		if redis == nil {
			return nil, fmt.Errorf("ratelimit: redis backend needs a redis client")
		}
		return NewRedis(redis), nil
	default:
		return nil, fmt.Errorf("ratelimit: unknown backend %q", backend)
	}
}

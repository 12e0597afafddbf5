package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aman-churiwal/quotagate/internal/storage"
	"github.com/redis/go-redis/v9"
)

// Counts in the current window and increments only when under the limit, so
// a denied request never moves the counter.
// KEYS[1] = window counter
// ARGV[1] = limit
// ARGV[2] = window in milliseconds
//
// Returns {allowed, count}
var fixedWindowScript = redis.NewScript(`
local count = tonumber(redis.call("GET", KEYS[1]) or "0")
if count >= tonumber(ARGV[1]) then
    return {0, count}
end
count = redis.call("INCR", KEYS[1])
if count == 1 then
    redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return {1, count}
`)

type redisFixedWindow struct {
	redis *storage.RedisClient
	now   func() time.Time
}

func (f *redisFixedWindow) key(key string, rule Rule, now time.Time) (string, time.Time) {
	start := now.Truncate(rule.Window)
	return fmt.Sprintf("ratelimit:fixed:{%s}:%d", key, start.UnixMilli()), start
}

func (f *redisFixedWindow) check(ctx context.Context, key string, rule Rule) (Decision, error) {
	now := f.now()
	redisKey, start := f.key(key, rule, now)

	vals, err := fixedWindowScript.Run(ctx, f.redis.Cmdable(),
		[]string{redisKey},
		rule.Limit, rule.Window.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit/redis: fixed window: %w", err)
	}

	d := Decision{
		Allowed:   vals[0] == 1,
		Limit:     rule.Limit,
		Remaining: max(rule.Limit-int(vals[1]), 0),
		ResetAt:   start.Add(rule.Window),
	}
	if !d.Allowed {
		d.RetryAfter = max(d.ResetAt.Sub(now), 0)
	}
	return d, nil
}

func (f *redisFixedWindow) remaining(ctx context.Context, key string, rule Rule) (int, error) {
	redisKey, _ := f.key(key, rule, f.now())

	val, err := f.redis.Get(ctx, redisKey)
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		return 0, err
	}

	count, _ := strconv.Atoi(val)
	return max(rule.Limit-count, 0), nil
}

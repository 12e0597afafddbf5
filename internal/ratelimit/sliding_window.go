package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aman-churiwal/quotagate/internal/storage"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Rolling log of admitted requests kept in a sorted set scored by time in
// microseconds. Trim, count and add run in one script so two gateways can
// not both take the last slot.
// KEYS[1] = log key
// ARGV[1] = now (us)
// ARGV[2] = window (us)
// ARGV[3] = limit
// ARGV[4] = member
//
// Returns {allowed, count, oldest score}
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
local count = redis.call("ZCARD", KEYS[1])
local allowed = 0

if count < limit then
    redis.call("ZADD", KEYS[1], now, ARGV[4])
    redis.call("PEXPIRE", KEYS[1], math.ceil(window / 1000))
    count = count + 1
    allowed = 1
end

local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
local oldest_score = now
if oldest[2] then
    oldest_score = tonumber(oldest[2])
end

return {allowed, count, oldest_score}
`)

type redisSlidingWindow struct {
	redis *storage.RedisClient
	now   func() time.Time
}

func slidingKey(key string) string {
	return fmt.Sprintf("ratelimit:sliding:{%s}", key)
}

func (s *redisSlidingWindow) check(ctx context.Context, key string, rule Rule) (Decision, error) {
	now := s.now()
	member := strconv.FormatInt(now.UnixMicro(), 10) + "-" + uuid.NewString()

	vals, err := slidingWindowScript.Run(ctx, s.redis.Cmdable(),
		[]string{slidingKey(key)},
		now.UnixMicro(), rule.Window.Microseconds(), rule.Limit, member,
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit/redis: sliding window: %w", err)
	}

	// The slot frees up when the oldest entry leaves the window
	resetAt := time.UnixMicro(vals[2]).Add(rule.Window)
	d := Decision{
		Allowed:   vals[0] == 1,
		Limit:     rule.Limit,
		Remaining: max(rule.Limit-int(vals[1]), 0),
		ResetAt:   resetAt,
	}
	if !d.Allowed {
		d.RetryAfter = max(resetAt.Sub(now), 0)
	}
	return d, nil
}

func (s *redisSlidingWindow) remaining(ctx context.Context, key string, rule Rule) (int, error) {
	now := s.now()
	windowStart := now.Add(-rule.Window)

	count, err := s.redis.Cmdable().ZCount(ctx, slidingKey(key),
		fmt.Sprintf("(%d", windowStart.UnixMicro()),
		fmt.Sprintf("%d", now.UnixMicro()),
	).Result()
	if err != nil {
		return 0, err
	}

	return max(rule.Limit-int(count), 0), nil
}

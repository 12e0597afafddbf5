package ledger

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aman-churiwal/quotagate/internal/quota"
	"github.com/aman-churiwal/quotagate/internal/storage"
)

// RedisStore keeps each balance in a hash so several gateway nodes share one
// ledger. Every mutation is a single Lua script.
type RedisStore struct {
	client    redis.Cmdable
	keyPrefix string
}

var _ Store = (*RedisStore)(nil)

type RedisOption func(*RedisStore)

// WithKeyPrefix sets the key prefix (default "quotagate:balance:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.keyPrefix = prefix }
}

func NewRedisStore(client *storage.RedisClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:    client.Cmdable(),
		keyPrefix: "quotagate:balance:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Hash tag keeps a balance on one cluster slot.
func (s *RedisStore) key(identity string) string {
	return s.keyPrefix + "{" + identity + "}"
}

// Numbers leave the scripts through string.format so large balances are
// never rendered in exponent form.
const ensureBalance = `
if redis.call("EXISTS", KEYS[1]) == 0 then
    redis.call("HSET", KEYS[1], "available", ARGV[3], "reserved", "0", "updated_at", ARGV[4])
end
`

// KEYS[1] = balance hash
// ARGV[1] = amount
// ARGV[2] = floor
// ARGV[3] = initial balance
// ARGV[4] = now (unix ms)
//
// Returns {ok, available, reserved}
var reserveScript = redis.NewScript(ensureBalance + `
local amount = tonumber(ARGV[1])
local available = tonumber(redis.call("HGET", KEYS[1], "available"))
local reserved = tonumber(redis.call("HGET", KEYS[1], "reserved"))

if amount > available - tonumber(ARGV[2]) then
    return {0, available, reserved}
end

available = available - amount
reserved = reserved + amount
redis.call("HSET", KEYS[1],
    "available", string.format("%d", available),
    "reserved", string.format("%d", reserved),
    "updated_at", ARGV[4])
return {1, available, reserved}
`)

// KEYS[1] = balance hash
// ARGV[1] = reserved amount
// ARGV[2] = actual cost
// ARGV[3] = floor
// ARGV[4] = now (unix ms)
//
// Returns {found, available, reserved, charged}
var commitScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return {0, 0, 0, 0}
end

local amount = tonumber(ARGV[1])
local actual = tonumber(ARGV[2])
local floor = tonumber(ARGV[3])
local available = tonumber(redis.call("HGET", KEYS[1], "available"))
local reserved = math.max(tonumber(redis.call("HGET", KEYS[1], "reserved")) - amount, 0)
local charged = actual

if actual <= amount then
    available = available + (amount - actual)
elseif actual - amount <= available - floor then
    available = available - (actual - amount)
else
    charged = amount
end

redis.call("HSET", KEYS[1],
    "available", string.format("%d", available),
    "reserved", string.format("%d", reserved),
    "updated_at", ARGV[4])
return {1, available, reserved, charged}
`)

// KEYS[1] = balance hash
// ARGV[1] = amount
// ARGV[2] = now (unix ms)
//
// Returns {found, available, reserved}
var releaseScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return {0, 0, 0}
end

local amount = tonumber(ARGV[1])
local available = tonumber(redis.call("HGET", KEYS[1], "available")) + amount
local reserved = math.max(tonumber(redis.call("HGET", KEYS[1], "reserved")) - amount, 0)

redis.call("HSET", KEYS[1],
    "available", string.format("%d", available),
    "reserved", string.format("%d", reserved),
    "updated_at", ARGV[2])
return {1, available, reserved}
`)

// KEYS[1] = balance hash
// ARGV[1] = amount
// ARGV[2] = unused
// ARGV[3] = initial balance
// ARGV[4] = now (unix ms)
//
// Returns {available, reserved}
var topUpScript = redis.NewScript(ensureBalance + `
local available = redis.call("HINCRBY", KEYS[1], "available", ARGV[1])
redis.call("HSET", KEYS[1], "updated_at", ARGV[4])
return {available, tonumber(redis.call("HGET", KEYS[1], "reserved"))}
`)

func (s *RedisStore) Reserve(ctx context.Context, identity string, amount, floor, initial int64) (Balance, error) {
	now := time.Now()
	vals, err := reserveScript.Run(ctx, s.client,
		[]string{s.key(identity)},
		amount, floor, initial, now.UnixMilli(),
	).Int64Slice()
	if err != nil {
		return Balance{}, fmt.Errorf("ledger/redis: reserve: %w", err)
	}

	b := Balance{Identity: identity, Available: vals[1], Reserved: vals[2], UpdatedAt: now}
	if vals[0] == 0 {
		return b, quota.ErrInsufficientBalance
	}
	return b, nil
}

func (s *RedisStore) Commit(ctx context.Context, identity string, reserved, actual, floor int64) (CommitResult, error) {
	now := time.Now()
	vals, err := commitScript.Run(ctx, s.client,
		[]string{s.key(identity)},
		reserved, actual, floor, now.UnixMilli(),
	).Int64Slice()
	if err != nil {
		return CommitResult{}, fmt.Errorf("ledger/redis: commit: %w", err)
	}

	if vals[0] == 0 {
		return CommitResult{Balance: Balance{Identity: identity}}, nil
	}
	return CommitResult{
		Balance: Balance{Identity: identity, Available: vals[1], Reserved: vals[2], UpdatedAt: now},
		Charged: vals[3],
		Found:   true,
	}, nil
}

func (s *RedisStore) Release(ctx context.Context, identity string, amount int64) (Balance, error) {
	now := time.Now()
	vals, err := releaseScript.Run(ctx, s.client,
		[]string{s.key(identity)},
		amount, now.UnixMilli(),
	).Int64Slice()
	if err != nil {
		return Balance{}, fmt.Errorf("ledger/redis: release: %w", err)
	}
	if vals[0] == 0 {
		return Balance{Identity: identity}, nil
	}
	return Balance{Identity: identity, Available: vals[1], Reserved: vals[2], UpdatedAt: now}, nil
}

func (s *RedisStore) TopUp(ctx context.Context, identity string, amount, initial int64) (Balance, error) {
	now := time.Now()
	vals, err := topUpScript.Run(ctx, s.client,
		[]string{s.key(identity)},
		amount, 0, initial, now.UnixMilli(),
	).Int64Slice()
	if err != nil {
		return Balance{}, fmt.Errorf("ledger/redis: top up: %w", err)
	}
	return Balance{Identity: identity, Available: vals[0], Reserved: vals[1], UpdatedAt: now}, nil
}

func (s *RedisStore) Get(ctx context.Context, identity string) (Balance, bool, error) {
	vals, err := s.client.HMGet(ctx, s.key(identity), "available", "reserved", "updated_at").Result()
	if err != nil {
		return Balance{}, false, fmt.Errorf("ledger/redis: get: %w", err)
	}
	if vals[0] == nil {
		return Balance{}, false, nil
	}

	b := Balance{Identity: identity}
	b.Available, _ = strconv.ParseInt(vals[0].(string), 10, 64)
	if v, ok := vals[1].(string); ok {
		b.Reserved, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := vals[2].(string); ok {
		ms, _ := strconv.ParseInt(v, 10, 64)
		b.UpdatedAt = time.UnixMilli(ms)
	}
	return b, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, identity string) error {
	if err := s.client.Del(ctx, s.key(identity)).Err(); err != nil {
		return fmt.Errorf("ledger/redis: delete: %w", err)
	}
	return nil
}

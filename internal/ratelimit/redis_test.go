//go:build integration

package ratelimit

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/aman-churiwal/quotagate/internal/storage"
	"github.com/aman-churiwal/quotagate/internal/tier"
)

func newTestRedis(t *testing.T) *storage.RedisClient {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client, err := storage.NewRedis(addr, "", 0)
	if err != nil {
		t.Fatalf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func testKey(t *testing.T) string {
	return "test:" + t.Name() + ":" + time.Now().Format(time.RFC3339Nano)
}

func TestRedis_FixedWindowAdmitsExactlyLimit(t *testing.T) {
	clock := newFakeClock()
	r := newRedisWithClock(newTestRedis(t), clock.Now)
	ctx := context.Background()
	key := testKey(t)

	for i := 0; i < 5; i++ {
		d, err := r.CheckAndConsume(ctx, key, fixedRule)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := r.CheckAndConsume(ctx, key, fixedRule)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Minute, d.RetryAfter)

	left, err := r.Remaining(ctx, key, fixedRule)
	require.NoError(t, err)
	assert.Equal(t, 0, left)

	clock.Advance(time.Minute)
	d, err = r.CheckAndConsume(ctx, key, fixedRule)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRedis_SlidingWindowConcurrent(t *testing.T) {
	r := NewRedis(newTestRedis(t))
	key := testKey(t)

	var admitted atomic.Int64
	var g errgroup.Group
	for i := 0; i < 40; i++ {
		g.Go(func() error {
			d, err := r.CheckAndConsume(context.Background(), key, slidingRule)
			if d.Allowed {
				admitted.Add(1)
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(slidingRule.Limit), admitted.Load())

	left, err := r.Remaining(context.Background(), key, slidingRule)
	require.NoError(t, err)
	assert.Equal(t, 0, left)
}

func TestRedis_AlgorithmDispatch(t *testing.T) {
	r := NewRedis(newTestRedis(t))
	key := testKey(t)
	ctx := context.Background()

	_, err := r.CheckAndConsume(ctx, key, Rule{Limit: 1, Window: time.Minute, Algorithm: tier.SlidingWindow})
	require.NoError(t, err)

	// Fixed and sliding keep separate keys for one identity.
	d, err := r.CheckAndConsume(ctx, key, Rule{Limit: 1, Window: time.Minute, Algorithm: tier.FixedWindow})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

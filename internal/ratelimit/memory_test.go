package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/aman-churiwal/quotagate/internal/tier"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var (
	fixedRule   = Rule{Limit: 5, Window: time.Minute, Algorithm: tier.FixedWindow}
	slidingRule = Rule{Limit: 10, Window: time.Minute, Algorithm: tier.SlidingWindow}
)

func TestMemory_FixedWindowAdmitsExactlyLimit(t *testing.T) {
	clock := newFakeClock()
	m := NewMemory(WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := m.CheckAndConsume(ctx, "acct", fixedRule)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "call %d", i+1)
		assert.Equal(t, 4-i, d.Remaining)
		clock.Advance(time.Second)
	}

	d, err := m.CheckAndConsume(ctx, "acct", fixedRule)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, 55*time.Second, d.RetryAfter)

	clock.Advance(d.RetryAfter)
	d, err = m.CheckAndConsume(ctx, "acct", fixedRule)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "next window admits again")
}

func TestMemory_DenialLeavesCounterUntouched(t *testing.T) {
	clock := newFakeClock()
	m := NewMemory(WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = m.CheckAndConsume(ctx, "acct", fixedRule)
	}
	for i := 0; i < 20; i++ {
		d, _ := m.CheckAndConsume(ctx, "acct", fixedRule)
		require.False(t, d.Allowed)
	}

	clock.Advance(time.Minute)
	admitted := 0
	for i := 0; i < 10; i++ {
		d, _ := m.CheckAndConsume(ctx, "acct", fixedRule)
		if d.Allowed {
			admitted++
		}
	}
	assert.Equal(t, 5, admitted)
}

func TestMemory_FixedWindowAllowsBoundaryBurst(t *testing.T) {
	clock := newFakeClock()
	m := NewMemory(WithClock(clock.Now))
	ctx := context.Background()

	clock.Advance(59 * time.Second)
	for i := 0; i < 5; i++ {
		d, _ := m.CheckAndConsume(ctx, "acct", fixedRule)
		require.True(t, d.Allowed)
	}
	clock.Advance(time.Second)
	for i := 0; i < 5; i++ {
		d, _ := m.CheckAndConsume(ctx, "acct", fixedRule)
		require.True(t, d.Allowed)
	}
}

func TestMemory_SlidingWindowSmoothsBoundary(t *testing.T) {
	clock := newFakeClock()
	m := NewMemory(WithClock(clock.Now))
	ctx := context.Background()

	clock.Advance(59 * time.Second)
	for i := 0; i < 10; i++ {
		d, _ := m.CheckAndConsume(ctx, "acct", slidingRule)
		require.True(t, d.Allowed)
	}

	clock.Advance(time.Second)
	d, err := m.CheckAndConsume(ctx, "acct", slidingRule)
	require.NoError(t, err)
	assert.False(t, d.Allowed, "previous window still counts in full at the boundary")
	assert.Equal(t, 6*time.Second, d.RetryAfter)

	clock.Advance(7 * time.Second)
	d, err = m.CheckAndConsume(ctx, "acct", slidingRule)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestMemory_SlidingWindowHalfwayThroughNextWindow(t *testing.T) {
	clock := newFakeClock()
	m := NewMemory(WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d, _ := m.CheckAndConsume(ctx, "acct", slidingRule)
		require.True(t, d.Allowed)
	}

	// Half of the previous window still overlaps: 10*0.5 = 5 in use
	clock.Advance(90 * time.Second)
	admitted := 0
	for i := 0; i < 10; i++ {
		d, _ := m.CheckAndConsume(ctx, "acct", slidingRule)
		if d.Allowed {
			admitted++
		}
	}
	assert.Equal(t, 5, admitted)
}

func TestMemory_RemainingDoesNotConsume(t *testing.T) {
	clock := newFakeClock()
	m := NewMemory(WithClock(clock.Now))
	ctx := context.Background()

	left, err := m.Remaining(ctx, "acct", fixedRule)
	require.NoError(t, err)
	assert.Equal(t, 5, left)

	_, _ = m.CheckAndConsume(ctx, "acct", fixedRule)
	for i := 0; i < 3; i++ {
		left, err = m.Remaining(ctx, "acct", fixedRule)
		require.NoError(t, err)
		assert.Equal(t, 4, left)
	}
}

func TestMemory_PurgeDropsOnlyIdleKeys(t *testing.T) {
	clock := newFakeClock()
	m := NewMemory(WithClock(clock.Now), WithIdleTTL(5*time.Minute), WithShards(4))
	ctx := context.Background()

	_, _ = m.CheckAndConsume(ctx, "idle", fixedRule)
	clock.Advance(4 * time.Minute)
	_, _ = m.CheckAndConsume(ctx, "busy", fixedRule)

	clock.Advance(90 * time.Second)
	assert.Equal(t, 1, m.Purge(clock.Now()))
	assert.Equal(t, 1, m.Len())

	// Purging again is a no-op.
	assert.Equal(t, 0, m.Purge(clock.Now()))
}

func TestMemory_PurgeNeverDropsAnActiveWindow(t *testing.T) {
	clock := newFakeClock()
	// TTL shorter than the window: the window length still wins.
	m := NewMemory(WithClock(clock.Now), WithIdleTTL(time.Second))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = m.CheckAndConsume(ctx, "acct", fixedRule)
	}
	clock.Advance(30 * time.Second)
	assert.Equal(t, 0, m.Purge(clock.Now()))

	d, _ := m.CheckAndConsume(ctx, "acct", fixedRule)
	assert.False(t, d.Allowed)
}

func TestMemory_CheckRetriesAfterLosingPurgeRace(t *testing.T) {
	clock := newFakeClock()
	m := NewMemory(WithClock(clock.Now), WithIdleTTL(time.Minute))
	ctx := context.Background()

	stale := m.lookup("acct", fixedRule.Window)
	clock.Advance(10 * time.Minute)
	require.Equal(t, 1, m.Purge(clock.Now()))

	stale.mu.Lock()
	assert.True(t, stale.evicted)
	stale.mu.Unlock()

	d, err := m.CheckAndConsume(ctx, "acct", fixedRule)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, m.Len())

	left, _ := m.Remaining(ctx, "acct", fixedRule)
	assert.Equal(t, 4, left, "the live entry carries the count")
}

func TestMemory_ConcurrentChecksNeverExceedLimit(t *testing.T) {
	clock := newFakeClock()
	m := NewMemory(WithClock(clock.Now))
	rule := Rule{Limit: 50, Window: time.Minute, Algorithm: tier.FixedWindow}

	var admitted atomic.Int64
	var g errgroup.Group
	for i := 0; i < 200; i++ {
		g.Go(func() error {
			d, err := m.CheckAndConsume(context.Background(), "acct", rule)
			if d.Allowed {
				admitted.Add(1)
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(50), admitted.Load())
}

func TestMemory_RuleChangeStartsFresh(t *testing.T) {
	clock := newFakeClock()
	m := NewMemory(WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = m.CheckAndConsume(ctx, "acct", fixedRule)
	}
	upgraded := Rule{Limit: 100, Window: 2 * time.Minute, Algorithm: tier.FixedWindow}
	d, _ := m.CheckAndConsume(ctx, "acct", upgraded)
	assert.True(t, d.Allowed)
	assert.Equal(t, 99, d.Remaining)
}

func TestNewLimiter(t *testing.T) {
	l, err := NewLimiter("memory", nil)
	require.NoError(t, err)
	assert.Equal(t, "memory", l.Name())

	_, err = NewLimiter("redis", nil)
	assert.Error(t, err)

	_, err = NewLimiter("etcd", nil)
	assert.Error(t, err)
}

package ratelimit

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/aman-churiwal/quotagate/internal/tier"
)

// Memory keeps one window per key in process memory. Keys are spread over
// shards so the map lock is short; counting happens under the per-key lock so
// unrelated identities never contend.
type Memory struct {
	shards  []memoryShard
	idleTTL time.Duration
	now     func() time.Time
}

type memoryShard struct {
	mu      sync.Mutex
	entries map[string]*window
}

type window struct {
	mu       sync.Mutex
	start    time.Time
	size     time.Duration
	count    int
	prev     int
	lastSeen time.Time
	evicted  bool
}

type MemoryOption func(*Memory)

func WithShards(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.shards = make([]memoryShard, n)
		}
	}
}

func WithIdleTTL(d time.Duration) MemoryOption {
	return func(m *Memory) { m.idleTTL = d }
}

func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		shards:  make([]memoryShard, 32),
		idleTTL: 10 * time.Minute,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	for i := range m.shards {
		m.shards[i].entries = make(map[string]*window)
	}
	return m
}

var _ Limiter = (*Memory)(nil)

func (m *Memory) Name() string {
	return "memory"
}

func (m *Memory) CheckAndConsume(_ context.Context, key string, rule Rule) (Decision, error) {
	for {
		w := m.lookup(key, rule.Window)

		w.mu.Lock()
		if w.evicted {
			// Lost a race with Purge; the live entry is a fresh lookup away.
			w.mu.Unlock()
			continue
		}

		now := m.now()
		w.advance(now, rule.Window)
		w.lastSeen = now

		d := w.decide(now, rule)
		if d.Allowed {
			w.count++
			d.Remaining = w.remaining(now, rule)
		}
		w.mu.Unlock()
		return d, nil
	}
}

func (m *Memory) Remaining(_ context.Context, key string, rule Rule) (int, error) {
	shard := m.shardFor(key)
	shard.mu.Lock()
	w, ok := shard.entries[key]
	shard.mu.Unlock()
	if !ok {
		return rule.Limit, nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	// Work on a copy so reading never moves the window
	snapshot := window{start: w.start, size: w.size, count: w.count, prev: w.prev}
	now := m.now()
	snapshot.advance(now, rule.Window)
	return snapshot.remaining(now, rule), nil
}

func (m *Memory) Purge(now time.Time) int {
	purged := 0
	for i := range m.shards {
		shard := &m.shards[i]
		shard.mu.Lock()
		for key, w := range shard.entries {
			w.mu.Lock()
			// A sliding window still reads the previous window, so an entry
			// must be idle for two windows before dropping it loses nothing.
			idle := max(m.idleTTL, 2*w.size)
			if now.Sub(w.lastSeen) >= idle {
				w.evicted = true
				delete(shard.entries, key)
				purged++
			}
			w.mu.Unlock()
		}
		shard.mu.Unlock()
	}
	return purged
}

// Len returns the number of tracked keys
func (m *Memory) Len() int {
	n := 0
	for i := range m.shards {
		m.shards[i].mu.Lock()
		n += len(m.shards[i].entries)
		m.shards[i].mu.Unlock()
	}
	return n
}

func (m *Memory) lookup(key string, size time.Duration) *window {
	shard := m.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	w, ok := shard.entries[key]
	if !ok {
		w = &window{size: size}
		shard.entries[key] = w
	}
	return w
}

func (m *Memory) shardFor(key string) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &m.shards[h.Sum32()%uint32(len(m.shards))]
}

// advance rolls the window forward to the one containing now.
func (w *window) advance(now time.Time, size time.Duration) {
	current := now.Truncate(size)
	switch {
	case w.size != size:
		// Tier changed; start counting afresh under the new rule
		w.size, w.start, w.count, w.prev = size, current, 0, 0
	case current.Equal(w.start):
	case current.Equal(w.start.Add(size)):
		w.start, w.prev, w.count = current, w.count, 0
	default:
		w.start, w.prev, w.count = current, 0, 0
	}
}

func (w *window) decide(now time.Time, rule Rule) Decision {
	d := Decision{
		Limit:   rule.Limit,
		ResetAt: w.start.Add(rule.Window),
	}

	if rule.Algorithm == tier.SlidingWindow {
		d.Allowed = w.estimate(now)+1 <= float64(rule.Limit)
		if !d.Allowed {
			d.ResetAt = w.slidingRetryAt(rule)
		}
	} else {
		d.Allowed = w.count < rule.Limit
	}

	if !d.Allowed {
		d.Remaining = 0
		d.RetryAfter = max(d.ResetAt.Sub(now), 0)
	}
	return d
}

func (w *window) remaining(now time.Time, rule Rule) int {
	var left int
	if rule.Algorithm == tier.SlidingWindow {
		left = int(math.Floor(float64(rule.Limit) - w.estimate(now)))
	} else {
		left = rule.Limit - w.count
	}
	return max(left, 0)
}

// estimate weights the previous window by how much of it still overlaps the
// trailing window ending at now.
func (w *window) estimate(now time.Time) float64 {
	elapsed := float64(now.Sub(w.start)) / float64(w.size)
	return float64(w.prev)*(1-elapsed) + float64(w.count)
}

// slidingRetryAt is the earliest instant the estimate leaves room for one more
// request, assuming no further traffic.
func (w *window) slidingRetryAt(rule Rule) time.Time {
	limit := float64(rule.Limit)
	if w.count+1 <= rule.Limit && w.prev > 0 {
		// Still inside this window once enough of prev has slid out
		f := 1 - (limit-float64(w.count)-1)/float64(w.prev)
		return w.start.Add(fraction(rule.Window, f))
	}

	// Next window: count becomes prev and must slide out far enough
	f := 0.0
	if w.count > 0 && float64(w.count) > limit-1 {
		f = 1 - (limit-1)/float64(w.count)
	}
	return w.start.Add(rule.Window).Add(fraction(rule.Window, f))
}

func fraction(d time.Duration, f float64) time.Duration {
	if f <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(f * float64(d)))
}

// Package usage records admission decisions off the request path and answers
// per-identity usage queries.
package usage

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aman-churiwal/quotagate/internal/metrics"
)

// Sink receives batches of events for durable storage.
type Sink interface {
	WriteBatch(ctx context.Context, events []Event) error
}

type Config struct {
	BufferSize    int           // Default: 4096
	BatchSize     int           // Default: 100
	FlushInterval time.Duration // Default: 5 seconds
	Retention     time.Duration // Default: 24 hours
	SinkTimeout   time.Duration // Default: 5 seconds
}

type Tracker struct {
	queue    chan Event
	flushReq chan chan struct{}
	stop     chan struct{}
	done     chan struct{}
	started  atomic.Bool
	closed   atomic.Bool
	stopOnce sync.Once

	mu   sync.RWMutex
	logs map[string][]Event

	sinks         []Sink
	batchSize     int
	flushInterval time.Duration
	retention     time.Duration
	sinkTimeout   time.Duration
	logger        *slog.Logger
	metrics       *metrics.Metrics
}

func NewTracker(cfg Config, logger *slog.Logger, m *metrics.Metrics, sinks ...Sink) *Tracker {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Tracker{
		queue:         make(chan Event, cfg.BufferSize),
		flushReq:      make(chan chan struct{}),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		logs:          make(map[string][]Event),
		sinks:         sinks,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		retention:     cfg.Retention,
		sinkTimeout:   cfg.SinkTimeout,
		logger:        logger.With("component", "usage"),
		metrics:       m,
	}
}

// Start launches the background worker. Calling it twice is a no-op.
func (t *Tracker) Start() {
	if !t.started.CompareAndSwap(false, true) {
		return
	}
	go t.run()
}

// Record queues an event without blocking. It reports false when the event
// was dropped because the buffer is full or the tracker is closed.
func (t *Tracker) Record(ev Event) bool {
	if t.closed.Load() {
		return false
	}

	select {
	case t.queue <- ev:
		return true
	default:
		t.metrics.UsageDropped()
		t.logger.Warn("usage buffer full, dropping event",
			"identity", ev.Identity, "operation", ev.Operation, "decision", ev.Decision)
		return false
	}
}

// Flush waits until every event recorded before the call has been applied
// and handed to the sinks. It returns at once when the worker was never
// started.
func (t *Tracker) Flush(ctx context.Context) error {
	if !t.started.Load() {
		return nil
	}
	ack := make(chan struct{})
	select {
	case t.flushReq <- ack:
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the worker after it drains the queue.
func (t *Tracker) Close(ctx context.Context) error {
	t.closed.Store(true)
	if !t.started.Load() {
		return nil
	}
	t.stopOnce.Do(func() { close(t.stop) })

	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Tracker) run() {
	defer close(t.done)

	batch := make([]Event, 0, t.batchSize)
	ticker := time.NewTicker(t.flushInterval)
	defer ticker.Stop()

	take := func(ev Event) {
		t.apply(ev)
		batch = append(batch, ev)
		if len(batch) >= t.batchSize {
			t.write(batch)
			batch = make([]Event, 0, t.batchSize)
		}
	}
	drain := func() {
		for {
			select {
			case ev := <-t.queue:
				take(ev)
			default:
				return
			}
		}
	}

	for {
		select {
		case ev := <-t.queue:
			take(ev)
		case <-ticker.C:
			if len(batch) > 0 {
				t.write(batch)
				batch = make([]Event, 0, t.batchSize)
			}
		case ack := <-t.flushReq:
			drain()
			t.write(batch)
			batch = make([]Event, 0, t.batchSize)
			close(ack)
		case <-t.stop:
			drain()
			t.write(batch)
			return
		}
	}
}

func (t *Tracker) apply(ev Event) {
	t.mu.Lock()
	t.logs[ev.Identity] = append(t.logs[ev.Identity], ev)
	t.mu.Unlock()
}

// write hands a batch to every sink. Sink failures are logged and dropped.
func (t *Tracker) write(batch []Event) {
	if len(batch) == 0 {
		return
	}
	for _, sink := range t.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), t.sinkTimeout)
		if err := sink.WriteBatch(ctx, batch); err != nil {
			t.logger.Error("usage sink write failed", "events", len(batch), "error", err)
		}
		cancel()
	}
}

// UsageSince returns the identity's events at or after since, oldest first.
func (t *Tracker) UsageSince(identity string, since time.Time) []Event {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Event
	for _, ev := range t.logs[identity] {
		if !ev.Timestamp.Before(since) {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Rollup aggregates the identity's events since the given time into
// window-sized buckets per operation, ordered by bucket start then operation.
func (t *Tracker) Rollup(identity string, since time.Time, window time.Duration) []Bucket {
	if window <= 0 {
		window = time.Hour
	}

	type key struct {
		start     time.Time
		operation string
	}
	buckets := make(map[key]*Bucket)

	for _, ev := range t.UsageSince(identity, since) {
		k := key{start: ev.Timestamp.Truncate(window), operation: ev.Operation}
		b, ok := buckets[k]
		if !ok {
			b = &Bucket{Start: k.start, Operation: k.operation}
			buckets[k] = b
		}
		b.TotalCost += ev.Charged
		switch ev.Decision {
		case Settled:
			b.Settled++
		case Released:
			b.Released++
		case Expired:
			b.Expired++
		case LateSettlement:
			b.LateSettlements++
		case Admitted:
			b.Count++
			b.Admitted++
			b.EstimatedCost += ev.Cost
		default:
			b.Count++
			b.Denied++
		}
	}

	out := make([]Bucket, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].Operation < out[j].Operation
	})
	return out
}

// Prune drops in-memory events older than the retention and returns how
// many were removed.
func (t *Tracker) Prune(now time.Time) int {
	cutoff := now.Add(-t.retention)
	removed := 0

	t.mu.Lock()
	defer t.mu.Unlock()

	for identity, events := range t.logs {
		kept := events[:0]
		for _, ev := range events {
			if ev.Timestamp.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, ev)
		}
		if len(kept) == 0 {
			delete(t.logs, identity)
			continue
		}
		t.logs[identity] = kept
	}
	return removed
}

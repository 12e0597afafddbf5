package ledger

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/aman-churiwal/quotagate/internal/quota"
)

// MemoryStore keeps balances in process memory, sharded by identity.
type MemoryStore struct {
	shards []balanceShard
	now    func() time.Time
}

type balanceShard struct {
	mu       sync.Mutex
	balances map[string]*Balance
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(shards int, now func() time.Time) *MemoryStore {
	if shards <= 0 {
		shards = 32
	}
	if now == nil {
		now = time.Now
	}
	s := &MemoryStore{shards: make([]balanceShard, shards), now: now}
	for i := range s.shards {
		s.shards[i].balances = make(map[string]*Balance)
	}
	return s
}

func (s *MemoryStore) shardFor(identity string) *balanceShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identity))
	return &s.shards[h.Sum32()%uint32(len(s.shards))]
}

// getOrCreate must be called with the shard lock held.
func (s *MemoryStore) getOrCreate(shard *balanceShard, identity string, initial int64) *Balance {
	b, ok := shard.balances[identity]
	if !ok {
		b = &Balance{Identity: identity, Available: initial, UpdatedAt: s.now()}
		shard.balances[identity] = b
	}
	return b
}

func (s *MemoryStore) Reserve(_ context.Context, identity string, amount, floor, initial int64) (Balance, error) {
	shard := s.shardFor(identity)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	b := s.getOrCreate(shard, identity, initial)
	if !applyReserve(b, amount, floor) {
		return *b, quota.ErrInsufficientBalance
	}
	b.UpdatedAt = s.now()
	return *b, nil
}

func (s *MemoryStore) Commit(_ context.Context, identity string, reserved, actual, floor int64) (CommitResult, error) {
	shard := s.shardFor(identity)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	b, ok := shard.balances[identity]
	if !ok {
		return CommitResult{Balance: Balance{Identity: identity}}, nil
	}
	charged := applyCommit(b, reserved, actual, floor)
	b.UpdatedAt = s.now()
	return CommitResult{Balance: *b, Charged: charged, Found: true}, nil
}

func (s *MemoryStore) Release(_ context.Context, identity string, amount int64) (Balance, error) {
	shard := s.shardFor(identity)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	b, ok := shard.balances[identity]
	if !ok {
		return Balance{Identity: identity}, nil
	}
	applyRelease(b, amount)
	b.UpdatedAt = s.now()
	return *b, nil
}

func (s *MemoryStore) TopUp(_ context.Context, identity string, amount, initial int64) (Balance, error) {
	shard := s.shardFor(identity)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	b := s.getOrCreate(shard, identity, initial)
	b.Available += amount
	b.UpdatedAt = s.now()
	return *b, nil
}

func (s *MemoryStore) Get(_ context.Context, identity string) (Balance, bool, error) {
	shard := s.shardFor(identity)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	b, ok := shard.balances[identity]
	if !ok {
		return Balance{}, false, nil
	}
	return *b, true, nil
}

func (s *MemoryStore) Delete(_ context.Context, identity string) error {
	shard := s.shardFor(identity)
	shard.mu.Lock()
	delete(shard.balances, identity)
	shard.mu.Unlock()
	return nil
}

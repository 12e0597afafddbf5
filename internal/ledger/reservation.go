package ledger

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/aman-churiwal/quotagate/internal/tier"
)

type State string

const (
	StatePending   State = "pending"
	StateCommitted State = "committed"
	StateReleased  State = "released"
	StateExpired   State = "expired"
)

func (s State) Final() bool {
	return s != StatePending
}

// Reservation is a point-in-time copy of a held charge.
type Reservation struct {
	ID          string    `json:"id"`
	Identity    string    `json:"identity"`
	Operation   string    `json:"operation"`
	Tier        tier.Name `json:"tier"`
	Amount      int64     `json:"amount"`
	State       State     `json:"state"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	FinalizedAt time.Time `json:"finalized_at,omitempty"`
}

// held is the live record. state moves out of Pending exactly once and only
// while mu is held.
type held struct {
	mu          sync.Mutex
	id          string
	identity    string
	operation   string
	tier        tier.Name
	floor       int64
	amount      int64
	state       State
	createdAt   time.Time
	expiresAt   time.Time
	finalizedAt time.Time
}

func (h *held) snapshot() Reservation {
	return Reservation{
		ID:          h.id,
		Identity:    h.identity,
		Operation:   h.operation,
		Tier:        h.tier,
		Amount:      h.amount,
		State:       h.state,
		CreatedAt:   h.createdAt,
		ExpiresAt:   h.expiresAt,
		FinalizedAt: h.finalizedAt,
	}
}

func (h *held) finalize(state State, now time.Time) {
	h.state = state
	h.finalizedAt = now
}

type heldShard struct {
	mu      sync.Mutex
	entries map[string]*held
}

type reservationTable struct {
	shards []heldShard
}

func newReservationTable(n int) *reservationTable {
	t := &reservationTable{shards: make([]heldShard, n)}
	for i := range t.shards {
		t.shards[i].entries = make(map[string]*held)
	}
	return t
}

func (t *reservationTable) shardFor(id string) *heldShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &t.shards[h.Sum32()%uint32(len(t.shards))]
}

func (t *reservationTable) put(h *held) {
	shard := t.shardFor(h.id)
	shard.mu.Lock()
	shard.entries[h.id] = h
	shard.mu.Unlock()
}

func (t *reservationTable) get(id string) (*held, bool) {
	shard := t.shardFor(id)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	h, ok := shard.entries[id]
	return h, ok
}

func (t *reservationTable) remove(id string) {
	shard := t.shardFor(id)
	shard.mu.Lock()
	delete(shard.entries, id)
	shard.mu.Unlock()
}

// all returns the current entries without holding any lock afterwards.
func (t *reservationTable) all() []*held {
	var out []*held
	for i := range t.shards {
		shard := &t.shards[i]
		shard.mu.Lock()
		for _, h := range shard.entries {
			out = append(out, h)
		}
		shard.mu.Unlock()
	}
	return out
}

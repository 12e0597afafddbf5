package ledger

import (
	"context"
	"math"
	"time"

	"github.com/aman-churiwal/quotagate/internal/tier"
)

// Store persists balances. Reservation bookkeeping stays in the Ledger; a
// store only ever sees amounts, so every backend implements the same small
// set of atomic read-modify-write steps.
//
// A store must create a missing balance with the given initial value inside
// the same atomic step as the mutation, and must return
// quota.ErrInsufficientBalance from Reserve without changing anything when
// the charge would take available below floor.
type Store interface {
	Reserve(ctx context.Context, identity string, amount, floor, initial int64) (Balance, error)

	// Commit finalizes a reserved amount against the actual cost. When the
	// actual cost exceeds the reservation the delta is charged only if it
	// fits above floor; otherwise the reserved amount is all that is charged.
	// Committing against a deleted balance is a no-op that charges nothing.
	Commit(ctx context.Context, identity string, reserved, actual, floor int64) (CommitResult, error)

	// Release returns a reserved amount to available.
	Release(ctx context.Context, identity string, amount int64) (Balance, error)

	TopUp(ctx context.Context, identity string, amount, initial int64) (Balance, error)
	Get(ctx context.Context, identity string) (Balance, bool, error)
	Delete(ctx context.Context, identity string) error
}

type Balance struct {
	Identity  string    `json:"identity"`
	Tier      tier.Name `json:"tier,omitempty"`
	Available int64     `json:"available"`
	Reserved  int64     `json:"reserved"`
	UpdatedAt time.Time `json:"updated_at"`
}

type CommitResult struct {
	Balance Balance
	Charged int64
	Found   bool
}

// The helpers below are the reference arithmetic for every backend. The
// memory and postgres stores call them directly; the redis scripts mirror
// them line for line.

// headroom is available minus floor, saturated to the int64 range.
func headroom(available, floor int64) int64 {
	d := available - floor
	switch {
	case floor < 0 && d < available:
		return math.MaxInt64
	case floor > 0 && d > available:
		return math.MinInt64
	}
	return d
}

func applyReserve(b *Balance, amount, floor int64) bool {
	if amount > headroom(b.Available, floor) {
		return false
	}
	b.Available -= amount
	b.Reserved += amount
	return true
}

func applyCommit(b *Balance, reserved, actual, floor int64) int64 {
	b.Reserved = max(b.Reserved-reserved, 0)

	if actual <= reserved {
		b.Available += reserved - actual
		return actual
	}

	delta := actual - reserved
	if delta <= headroom(b.Available, floor) {
		b.Available -= delta
		return actual
	}
	return reserved
}

func applyRelease(b *Balance, amount int64) {
	b.Reserved = max(b.Reserved-amount, 0)
	b.Available += amount
}

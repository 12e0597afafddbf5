package ratelimit

import (
	"context"
	"time"

	"github.com/aman-churiwal/quotagate/internal/tier"
)

// Rule is the window a single check is evaluated against. It comes from the
// caller's tier, so two identities may be limited differently by the same
// Limiter.
type Rule struct {
	Limit     int
	Window    time.Duration
	Algorithm tier.Algorithm
}

func RuleFor(p tier.Params) Rule {
	return Rule{
		Limit:     p.RequestsPerWindow,
		Window:    p.Window,
		Algorithm: p.Algorithm,
	}
}

type Decision struct {
	Allowed    bool          `json:"allowed"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"-"`
}

type Limiter interface {
	// Admits the request and counts it, or denies it and leaves the window
	// untouched
	CheckAndConsume(ctx context.Context, key string, rule Rule) (Decision, error)

	// Returns what is left in the current window without consuming
	Remaining(ctx context.Context, key string, rule Rule) (int, error)

	// Drops state for keys idle since before now-idleTTL. Returns the number
	// of keys dropped.
	Purge(now time.Time) int

	// Returns the backend name
	Name() string
}

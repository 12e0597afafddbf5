package janitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/aman-churiwal/quotagate/internal/gate"
)

// Sweeper is the part of the gate the janitor drives.
type Sweeper interface {
	Sweep(ctx context.Context) (gate.SweepResult, error)
}

// SweepTask expires stale reservations, purges idle windows and prunes
// in-memory usage.
func SweepTask(s Sweeper, logger *slog.Logger) Task {
	if logger == nil {
		logger = slog.Default()
	}
	return Task{
		Name:    "sweep",
		Timeout: 10 * time.Second,
		Run: func(ctx context.Context) error {
			res, err := s.Sweep(ctx)
			if res.Expired > 0 || res.Purged > 0 || res.Pruned > 0 {
				logger.Debug("sweep finished",
					"expired", res.Expired, "purged", res.Purged, "pruned", res.Pruned)
			}
			return err
		},
	}
}

// UsagePurger deletes durable usage older than a cutoff.
type UsagePurger interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionTask drops durable usage records older than retention.
func RetentionTask(p UsagePurger, retention time.Duration, now func() time.Time, logger *slog.Logger) Task {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return Task{
		Name:    "usage_retention",
		Timeout: time.Minute,
		Run: func(ctx context.Context) error {
			n, err := p.DeleteOlderThan(ctx, now().Add(-retention))
			if err != nil {
				return err
			}
			if n > 0 {
				logger.Info("deleted old usage records", "count", n)
			}
			return nil
		},
	}
}

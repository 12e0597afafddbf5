package usage

import (
	"context"

	"github.com/aman-churiwal/quotagate/internal/models"
	"github.com/aman-churiwal/quotagate/internal/repository"
)

// PostgresSink persists events to the usage_records table for reporting.
type PostgresSink struct {
	repo *repository.UsageRepository
}

var _ Sink = (*PostgresSink)(nil)

func NewPostgresSink(repo *repository.UsageRepository) *PostgresSink {
	return &PostgresSink{repo: repo}
}

func (s *PostgresSink) WriteBatch(ctx context.Context, events []Event) error {
	return s.repo.CreateBatch(ctx, ToRecords(events))
}

func ToRecords(events []Event) []models.UsageRecord {
	records := make([]models.UsageRecord, 0, len(events))
	for _, ev := range events {
		records = append(records, models.UsageRecord{
			Timestamp:     ev.Timestamp,
			Identity:      ev.Identity,
			Operation:     ev.Operation,
			Tier:          string(ev.Tier),
			Decision:      string(ev.Decision),
			Cost:          ev.Cost,
			Charged:       ev.Charged,
			Settlement:    ev.Decision.IsSettlement(),
			ReservationID: ev.ReservationID,
			Degraded:      ev.Degraded,
		})
	}
	return records
}

package service

import (
	"context"
	"time"

	"github.com/aman-churiwal/quotagate/internal/models"
	"github.com/aman-churiwal/quotagate/internal/repository"
	"github.com/aman-churiwal/quotagate/internal/usage"
)

type UsageQueries interface {
	Find(ctx context.Context, filter repository.UsageFilter, limit, offset int) ([]models.UsageRecord, error)
	CountByDecision(ctx context.Context, filter repository.UsageFilter) (map[string]int64, error)
	SumCost(ctx context.Context, filter repository.UsageFilter) (int64, error)
	SumCharged(ctx context.Context, filter repository.UsageFilter) (int64, error)
	TopOperations(ctx context.Context, filter repository.UsageFilter, limit int) ([]repository.OperationCount, error)
	Hourly(ctx context.Context, filter repository.UsageFilter) ([]repository.HourlyUsage, error)
}

// Answers reporting queries over the durable usage history
type UsageReportService struct {
	repository UsageQueries
}

func NewUsageReportService(repo UsageQueries) *UsageReportService {
	return &UsageReportService{repository: repo}
}

type UsageSummary struct {
	From          time.Time                   `json:"from"`
	To            time.Time                   `json:"to"`
	Identity      string                      `json:"identity,omitempty"`
	Total         int64                       `json:"total"`
	Admitted      int64                       `json:"admitted"`
	Denied        int64                       `json:"denied"`
	AdmitRate     float64                     `json:"admit_rate"`
	ByDecision    map[string]int64            `json:"by_decision"`
	Settled       int64                       `json:"settled"`
	EstimatedCost int64                       `json:"estimated_cost"`
	ChargedCost   int64                       `json:"charged_cost"`
	TopOperations []repository.OperationCount `json:"top_operations"`
}

func (s *UsageReportService) Summary(ctx context.Context, filter repository.UsageFilter) (*UsageSummary, error) {
	summary := &UsageSummary{
		From:     filter.From,
		To:       filter.To,
		Identity: filter.Identity,
	}

	counts, err := s.repository.CountByDecision(ctx, filter)
	if err != nil {
		return nil, err
	}
	summary.ByDecision = counts
	for decision, n := range counts {
		switch d := usage.Decision(decision); {
		case d == usage.Settled:
			summary.Settled += n
		case d.IsSettlement():
		case d.IsAdmitted():
			summary.Total += n
			summary.Admitted += n
		default:
			summary.Total += n
			summary.Denied += n
		}
	}
	if len(counts) == 0 {
		return summary, nil
	}
	if summary.Total > 0 {
		summary.AdmitRate = float64(summary.Admitted) / float64(summary.Total) * 100
	}

	summary.EstimatedCost, err = s.repository.SumCost(ctx, filter)
	if err != nil {
		return nil, err
	}
	summary.ChargedCost, err = s.repository.SumCharged(ctx, filter)
	if err != nil {
		return nil, err
	}

	summary.TopOperations, err = s.repository.TopOperations(ctx, filter, 10)
	if err != nil {
		return nil, err
	}
	return summary, nil
}

func (s *UsageReportService) Hourly(ctx context.Context, filter repository.UsageFilter) ([]repository.HourlyUsage, error) {
	return s.repository.Hourly(ctx, filter)
}

func (s *UsageReportService) History(ctx context.Context, filter repository.UsageFilter, limit, offset int) ([]models.UsageRecord, error) {
	return s.repository.Find(ctx, filter, limit, offset)
}

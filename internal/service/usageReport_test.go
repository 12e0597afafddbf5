package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aman-churiwal/quotagate/internal/models"
	"github.com/aman-churiwal/quotagate/internal/repository"
)

type fakeUsage struct {
	counts    map[string]int64
	estimated int64
	charged   int64
}

func (f *fakeUsage) Find(context.Context, repository.UsageFilter, int, int) ([]models.UsageRecord, error) {
	return nil, nil
}

func (f *fakeUsage) CountByDecision(context.Context, repository.UsageFilter) (map[string]int64, error) {
	return f.counts, nil
}

func (f *fakeUsage) SumCost(context.Context, repository.UsageFilter) (int64, error) {
	return f.estimated, nil
}

func (f *fakeUsage) SumCharged(context.Context, repository.UsageFilter) (int64, error) {
	return f.charged, nil
}

func (f *fakeUsage) TopOperations(context.Context, repository.UsageFilter, int) ([]repository.OperationCount, error) {
	return []repository.OperationCount{{Operation: "search", Count: 4, Cost: 30}}, nil
}

func (f *fakeUsage) Hourly(context.Context, repository.UsageFilter) ([]repository.HourlyUsage, error) {
	return nil, nil
}

func TestUsageReportService_SummaryCountsRequestsAndCharges(t *testing.T) {
	repo := &fakeUsage{
		counts: map[string]int64{
			"admitted":          4,
			"denied_rate_limit": 1,
			"settled":           3,
			"released":          1,
			"late_settlement":   1,
		},
		estimated: 40,
		charged:   30,
	}
	svc := NewUsageReportService(repo)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	summary, err := svc.Summary(context.Background(), repository.UsageFilter{From: now.Add(-time.Hour), To: now})
	require.NoError(t, err)

	assert.Equal(t, int64(5), summary.Total)
	assert.Equal(t, int64(4), summary.Admitted)
	assert.Equal(t, int64(1), summary.Denied)
	assert.Equal(t, int64(3), summary.Settled)
	assert.InDelta(t, 80.0, summary.AdmitRate, 0.001)
	assert.Equal(t, int64(40), summary.EstimatedCost)
	assert.Equal(t, int64(30), summary.ChargedCost)
	assert.Len(t, summary.TopOperations, 1)
}

func TestUsageReportService_SummaryOfSettlementsOnly(t *testing.T) {
	repo := &fakeUsage{counts: map[string]int64{"settled": 2}, charged: 12}
	summary, err := NewUsageReportService(repo).Summary(context.Background(), repository.UsageFilter{})
	require.NoError(t, err)

	assert.Zero(t, summary.Total)
	assert.Zero(t, summary.AdmitRate)
	assert.Equal(t, int64(12), summary.ChargedCost)
}

func TestUsageReportService_EmptyWindow(t *testing.T) {
	summary, err := NewUsageReportService(&fakeUsage{}).Summary(context.Background(), repository.UsageFilter{})
	require.NoError(t, err)
	assert.Zero(t, summary.Total)
	assert.Zero(t, summary.ChargedCost)
	assert.Nil(t, summary.TopOperations)
}

package repository

import (
	"context"
	"time"

	"github.com/aman-churiwal/quotagate/internal/models"
	"github.com/aman-churiwal/quotagate/internal/storage"
)

type UsageRepository struct {
	db *storage.Postgres
}

func NewUsageRepository(db *storage.Postgres) *UsageRepository {
	return &UsageRepository{db: db}
}

// Inserts multiple usage records (for batch insertion)
func (r *UsageRepository) CreateBatch(ctx context.Context, records []models.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	return r.db.DB.WithContext(ctx).CreateInBatches(&records, 500).Error
}

// Retrieves records within a time range, optionally for one identity and decision
func (r *UsageRepository) Find(ctx context.Context, filter UsageFilter, limit, offset int) ([]models.UsageRecord, error) {
	var records []models.UsageRecord

	err := filter.apply(r.db.DB.WithContext(ctx).Model(&models.UsageRecord{})).
		Order("timestamp DESC").
		Limit(limit).
		Offset(offset).
		Find(&records).Error

	return records, err
}

// Counts records per decision in a time range
func (r *UsageRepository) CountByDecision(ctx context.Context, filter UsageFilter) (map[string]int64, error) {
	rows, err := filter.apply(r.db.DB.WithContext(ctx).Model(&models.UsageRecord{})).
		Select("decision, COUNT(*) as count").
		Group("decision").
		Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var decision string
		var count int64
		if err := rows.Scan(&decision, &count); err != nil {
			return nil, err
		}
		counts[decision] = count
	}

	return counts, rows.Err()
}

// Sums the estimates held by admitted requests in a time range
func (r *UsageRepository) SumCost(ctx context.Context, filter UsageFilter) (int64, error) {
	var total int64

	err := filter.apply(r.db.DB.WithContext(ctx).Model(&models.UsageRecord{})).
		Where("decision = ?", "admitted").
		Select("COALESCE(SUM(cost), 0)").
		Scan(&total).Error

	return total, err
}

// Sums what settlements actually charged in a time range
func (r *UsageRepository) SumCharged(ctx context.Context, filter UsageFilter) (int64, error) {
	var total int64

	err := filter.apply(r.db.DB.WithContext(ctx).Model(&models.UsageRecord{})).
		Where("settlement").
		Select("COALESCE(SUM(charged), 0)").
		Scan(&total).Error

	return total, err
}

type OperationCount struct {
	Operation string `json:"operation"`
	Count     int64  `json:"count"`
	Cost      int64  `json:"cost"`
}

// Returns the most frequently requested operations with what they were charged
func (r *UsageRepository) TopOperations(ctx context.Context, filter UsageFilter, limit int) ([]OperationCount, error) {
	var results []OperationCount

	err := filter.apply(r.db.DB.WithContext(ctx).Model(&models.UsageRecord{})).
		Select(`operation,
			COUNT(*) FILTER (WHERE NOT settlement) as count,
			COALESCE(SUM(charged), 0) as cost`).
		Group("operation").
		Order("count DESC").
		Limit(limit).
		Scan(&results).Error

	return results, err
}

type HourlyUsage struct {
	Hour     time.Time `json:"hour"`
	Count    int64     `json:"count"`
	Admitted int64     `json:"admitted"`
	Cost     int64     `json:"cost"`
}

// Returns usage grouped by hour
func (r *UsageRepository) Hourly(ctx context.Context, filter UsageFilter) ([]HourlyUsage, error) {
	var results []HourlyUsage

	err := filter.apply(r.db.DB.WithContext(ctx).Model(&models.UsageRecord{})).
		Select(`DATE_TRUNC('hour', timestamp) as hour,
			COUNT(*) FILTER (WHERE NOT settlement) as count,
			COUNT(*) FILTER (WHERE decision = 'admitted') as admitted,
			COALESCE(SUM(charged), 0) as cost`).
		Group("hour").
		Order("hour ASC").
		Scan(&results).Error

	return results, err
}

// Deletes records older than the specified time
func (r *UsageRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.DB.WithContext(ctx).
		Where("timestamp < ?", before).
		Delete(&models.UsageRecord{})

	return result.RowsAffected, result.Error
}

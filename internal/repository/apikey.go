package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/aman-churiwal/quotagate/internal/models"
	"github.com/aman-churiwal/quotagate/internal/storage"
)

type APIKeyRepository struct {
	db *storage.Postgres
}

func NewAPIKeyRepository(db *storage.Postgres) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

func (r *APIKeyRepository) keys(ctx context.Context) *gorm.DB {
	return r.db.DB.WithContext(ctx).Model(&models.APIKey{})
}

// first loads the single key matching the conditions, or nil.
func (r *APIKeyRepository) first(ctx context.Context, query string, args ...interface{}) (*models.APIKey, error) {
	var apiKey models.APIKey
	err := r.keys(ctx).Where(query, args...).First(&apiKey).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, nil
	case err != nil:
		return nil, err
	}
	return &apiKey, nil
}

func (r *APIKeyRepository) Create(ctx context.Context, apiKey *models.APIKey) error {
	return r.db.DB.WithContext(ctx).Create(apiKey).Error
}

// Only active keys authenticate.
func (r *APIKeyRepository) FindByHash(ctx context.Context, hash string) (*models.APIKey, error) {
	return r.first(ctx, "key_hash = ? AND is_active", hash)
}

func (r *APIKeyRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.APIKey, error) {
	return r.first(ctx, "id = ?", id)
}

// Lists keys, newest first. An empty accountID lists every key.
func (r *APIKeyRepository) List(ctx context.Context, accountID string) ([]models.APIKey, error) {
	q := r.keys(ctx).Order("created_at DESC")
	if accountID != "" {
		q = q.Where("account_id = ?", accountID)
	}

	var keys []models.APIKey
	return keys, q.Find(&keys).Error
}

func (r *APIKeyRepository) Update(ctx context.Context, id uuid.UUID, updates map[string]interface{}) (int64, error) {
	result := r.keys(ctx).Where("id = ?", id).Updates(updates)
	return result.RowsAffected, result.Error
}

func (r *APIKeyRepository) UpdateLastUsed(ctx context.Context, id uuid.UUID) error {
	return r.keys(ctx).Where("id = ?", id).Update("last_used_at", time.Now()).Error
}

func (r *APIKeyRepository) Delete(ctx context.Context, id uuid.UUID) (int64, error) {
	result := r.db.DB.WithContext(ctx).Delete(&models.APIKey{}, "id = ?", id)
	return result.RowsAffected, result.Error
}

// Counts active keys per tier
func (r *APIKeyRepository) CountByTier(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Tier  string
		Count int64
	}
	err := r.keys(ctx).
		Select("tier, COUNT(*) AS count").
		Where("is_active").
		Group("tier").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Tier] = row.Count
	}
	return counts, nil
}

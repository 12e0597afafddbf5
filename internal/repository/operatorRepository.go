package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/aman-churiwal/quotagate/internal/models"
	"github.com/aman-churiwal/quotagate/internal/storage"
)

type OperatorRepository struct {
	db *storage.Postgres
}

func NewOperatorRepository(db *storage.Postgres) *OperatorRepository {
	return &OperatorRepository{db: db}
}

// Inserts a new operator
func (r *OperatorRepository) Create(ctx context.Context, operator *models.Operator) error {
	return r.db.DB.WithContext(ctx).Create(operator).Error
}

// Retrieves an operator by email. Returns nil when there is none.
func (r *OperatorRepository) FindByEmail(ctx context.Context, email string) (*models.Operator, error) {
	var operator models.Operator
	err := r.db.DB.WithContext(ctx).
		Where("email = ?", email).
		First(&operator).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &operator, nil
}

// Retrieves an operator by id. Returns nil when there is none.
func (r *OperatorRepository) FindByID(ctx context.Context, id string) (*models.Operator, error) {
	var operator models.Operator
	err := r.db.DB.WithContext(ctx).
		Where("id = ?", id).
		First(&operator).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &operator, nil
}

func (r *OperatorRepository) List(ctx context.Context) ([]models.Operator, error) {
	var operators []models.Operator
	err := r.db.DB.WithContext(ctx).
		Order("created_at DESC").
		Find(&operators).Error

	return operators, err
}

func (r *OperatorRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.DB.WithContext(ctx).Model(&models.Operator{}).Count(&count).Error
	return count, err
}

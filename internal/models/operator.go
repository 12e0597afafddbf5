package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Operator is a human or service account of the billing/reporting side that
// may call the admin API.
type Operator struct {
	ID           uuid.UUID `gorm:"type:uuid;primary_key" json:"id"`
	Email        string    `gorm:"uniqueIndex;not null" json:"email"`
	PasswordHash string    `gorm:"not null" json:"-"`
	Name         string    `json:"name"`
	Role         string    `gorm:"default:'billing'" json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

func (o *Operator) BeforeCreate(tx *gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}

	return nil
}

func (Operator) TableName() string {
	return "operators"
}

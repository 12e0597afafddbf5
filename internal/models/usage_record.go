package models

import "time"

// Represents a persisted admission decision or reservation outcome
type UsageRecord struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	Timestamp     time.Time `gorm:"index" json:"timestamp"`
	Identity      string    `gorm:"index;not null" json:"identity"`
	Operation     string    `gorm:"index" json:"operation"`
	Tier          string    `json:"tier"`
	Decision      string    `gorm:"index" json:"decision"`
	Cost          int64     `json:"cost"`
	Charged       int64     `json:"charged"`
	Settlement    bool      `gorm:"index;not null;default:false" json:"settlement"`
	ReservationID string    `json:"reservation_id,omitempty"`
	Degraded      bool      `json:"degraded,omitempty"`
}

func (UsageRecord) TableName() string {
	return "usage_records"
}

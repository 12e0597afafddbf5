package models

import "time"

// Row behind the postgres ledger store
type QuotaBalance struct {
	Identity  string    `gorm:"primaryKey" json:"identity"`
	Available int64     `gorm:"not null;default:0" json:"available"`
	Reserved  int64     `gorm:"not null;default:0" json:"reserved"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (QuotaBalance) TableName() string {
	return "quota_balances"
}

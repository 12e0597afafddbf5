package repository

import (
	"time"

	"gorm.io/gorm"
)

type UsageFilter struct {
	From     time.Time
	To       time.Time
	Identity string
	Decision string
}

func (f UsageFilter) apply(q *gorm.DB) *gorm.DB {
	q = q.Where("timestamp BETWEEN ? AND ?", f.From, f.To)
	if f.Identity != "" {
		q = q.Where("identity = ?", f.Identity)
	}
	if f.Decision != "" {
		q = q.Where("decision = ?", f.Decision)
	}
	return q
}

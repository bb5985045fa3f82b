package models

import "time"

// UsageRecord tracks remaining capacity and cumulative usage for one
// (account, model) pair. RemainingFraction is nil until a quota fetch
// has reported it.
type UsageRecord struct {
	ID                int64      `gorm:"column:id;primaryKey;autoIncrement"`
	AccountID         string     `gorm:"column:account_id;uniqueIndex:idx_usage_account_model"`
	Model             string     `gorm:"column:model;uniqueIndex:idx_usage_account_model"`
	RemainingFraction *float64   `gorm:"column:remaining_fraction"`
	ResetAt           *time.Time `gorm:"column:reset_at"`
	InputTokens       int64      `gorm:"column:input_tokens"`
	OutputTokens      int64      `gorm:"column:output_tokens"`
	Requests          int64      `gorm:"column:requests"`
	PeriodStart       time.Time  `gorm:"column:period_start"`
	UpdatedAt         time.Time  `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (UsageRecord) TableName() string {
	return "usage_records"
}

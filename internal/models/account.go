package models

import "time"

// Account represents one authenticated credential for an LLM provider.
// Token material lives in the credential store, never on this row.
type Account struct {
	ID          string     `gorm:"column:id;primaryKey"`
	Provider    string     `gorm:"column:provider;index"`
	Label       string     `gorm:"column:label"`
	IsActive    bool       `gorm:"column:is_active"`
	LastUsedAt  *time.Time `gorm:"column:last_used_at"`
	PausedUntil *time.Time `gorm:"column:paused_until"`
	CreatedAt   time.Time  `gorm:"column:created_at"`
	UpdatedAt   time.Time  `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (Account) TableName() string {
	return "accounts"
}

// IsSelectable reports whether the account may service a job at the given time.
func (a *Account) IsSelectable(now time.Time) bool {
	if !a.IsActive {
		return false
	}
	return a.PausedUntil == nil || a.PausedUntil.Before(now)
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/hidocu/llm-engine/internal/models"
)

type UsageRepository struct {
	db *gorm.DB
}

func NewUsageRepository(db *gorm.DB) *UsageRepository {
	return &UsageRepository{db: db}
}

// UpsertQuota records remaining capacity for an (account, model) pair
// after a quota fetch, creating the record if absent.
func (r *UsageRepository) UpsertQuota(ctx context.Context, accountID, model string, remaining *float64, resetAt *time.Time) error {
	now := time.Now()
	var record models.UsageRecord
	err := r.db.WithContext(ctx).
		First(&record, "account_id = ? AND model = ?", accountID, model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		record = models.UsageRecord{
			AccountID:         accountID,
			Model:             model,
			RemainingFraction: remaining,
			ResetAt:           resetAt,
			PeriodStart:       now,
			UpdatedAt:         now,
		}
		if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
			return fmt.Errorf("failed to create usage record: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load usage record: %w", err)
	}
	result := r.db.WithContext(ctx).Model(&models.UsageRecord{}).
		Where("id = ?", record.ID).
		Updates(map[string]interface{}{
			"remaining_fraction": remaining,
			"reset_at":           resetAt,
			"updated_at":         now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update usage record: %w", result.Error)
	}
	return nil
}

// IncrementUsage adds to the cumulative counters for an (account, model)
// pair, creating the record if absent.
func (r *UsageRepository) IncrementUsage(ctx context.Context, accountID, model string, inputTokens, outputTokens int64) error {
	now := time.Now()
	var record models.UsageRecord
	err := r.db.WithContext(ctx).
		First(&record, "account_id = ? AND model = ?", accountID, model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		record = models.UsageRecord{
			AccountID:    accountID,
			Model:        model,
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
			Requests:     1,
			PeriodStart:  now,
			UpdatedAt:    now,
		}
		if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
			return fmt.Errorf("failed to create usage record: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load usage record: %w", err)
	}
	result := r.db.WithContext(ctx).Model(&models.UsageRecord{}).
		Where("id = ?", record.ID).
		Updates(map[string]interface{}{
			"input_tokens":  gorm.Expr("input_tokens + ?", inputTokens),
			"output_tokens": gorm.Expr("output_tokens + ?", outputTokens),
			"requests":      gorm.Expr("requests + 1"),
			"updated_at":    now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to increment usage: %w", result.Error)
	}
	return nil
}

// ListByAccount retrieves all usage records for an account.
func (r *UsageRepository) ListByAccount(ctx context.Context, accountID string) ([]models.UsageRecord, error) {
	var records []models.UsageRecord
	result := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Find(&records)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list usage for account %s: %w", accountID, result.Error)
	}
	return records, nil
}

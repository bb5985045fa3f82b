package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/hidocu/llm-engine/internal/models"
)

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// Insert creates a new account, generating its id when absent.
func (r *AccountRepository) Insert(ctx context.Context, account *models.Account) error {
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	now := time.Now()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now

	if err := r.db.WithContext(ctx).Create(account).Error; err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

// SetActive enables or disables an account for dispatch.
func (r *AccountRepository) SetActive(ctx context.Context, accountID string, active bool) error {
	result := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{
			"is_active":  active,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update active flag for account %s: %w", accountID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByID retrieves an account by id.
func (r *AccountRepository) GetByID(ctx context.Context, accountID string) (*models.Account, error) {
	var account models.Account
	result := r.db.WithContext(ctx).First(&account, "id = ?", accountID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", result.Error)
	}
	return &account, nil
}

// FetchActive retrieves the active accounts for a provider.
func (r *AccountRepository) FetchActive(ctx context.Context, provider string) ([]models.Account, error) {
	var accounts []models.Account
	result := r.db.WithContext(ctx).
		Where("provider = ? AND is_active = ?", provider, true).
		Order("created_at ASC").
		Find(&accounts)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to fetch active accounts for %s: %w", provider, result.Error)
	}
	return accounts, nil
}

// FetchAll retrieves every account for a provider, including inactive ones.
func (r *AccountRepository) FetchAll(ctx context.Context, provider string) ([]models.Account, error) {
	var accounts []models.Account
	result := r.db.WithContext(ctx).
		Where("provider = ?", provider).
		Order("created_at ASC").
		Find(&accounts)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to fetch accounts for %s: %w", provider, result.Error)
	}
	return accounts, nil
}

// UpdateLastUsed stamps the account's last use time.
func (r *AccountRepository) UpdateLastUsed(ctx context.Context, accountID string, usedAt time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{
			"last_used_at": usedAt,
			"updated_at":   time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update last used for account %s: %w", accountID, result.Error)
	}
	return nil
}

// UpdatePausedUntil sets or clears the rate-limit pause on an account.
func (r *AccountRepository) UpdatePausedUntil(ctx context.Context, accountID string, pausedUntil *time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{
			"paused_until": pausedUntil,
			"updated_at":   time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update paused until for account %s: %w", accountID, result.Error)
	}
	return nil
}

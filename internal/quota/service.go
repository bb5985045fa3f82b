package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hidocu/llm-engine/internal/models"
	"github.com/hidocu/llm-engine/internal/provider"
)

const (
	// RefreshInterval is how often quota data is re-fetched in the background.
	RefreshInterval = 5 * time.Minute

	// DefaultPause is applied when a rate limit comes without a retry-after.
	DefaultPause = time.Hour
)

// AccountStore is the account persistence the service needs.
type AccountStore interface {
	FetchActive(ctx context.Context, provider string) ([]models.Account, error)
	UpdatePausedUntil(ctx context.Context, accountID string, pausedUntil *time.Time) error
}

// UsageStore is the usage-record persistence the service needs.
type UsageStore interface {
	UpsertQuota(ctx context.Context, accountID, model string, remaining *float64, resetAt *time.Time) error
	IncrementUsage(ctx context.Context, accountID, model string, inputTokens, outputTokens int64) error
	ListByAccount(ctx context.Context, accountID string) ([]models.UsageRecord, error)
}

// TokenSource supplies valid access tokens for quota API calls.
type TokenSource interface {
	ValidAccessToken(ctx context.Context, account models.Account) (string, *models.TokenBundle, error)
}

// ExecutorRegistry resolves the executor for a provider.
type ExecutorRegistry interface {
	Executor(provider string) provider.Executor
	Providers() []string
}

// Service tracks per-account usage and remaining capacity, and turns
// rate-limit events into temporary account pauses.
type Service struct {
	accounts AccountStore
	usage    UsageStore
	tokens   TokenSource
	registry ExecutorRegistry

	mu      sync.Mutex
	battery map[string]float64
}

func NewService(accounts AccountStore, usage UsageStore, tokens TokenSource, registry ExecutorRegistry) *Service {
	return &Service{
		accounts: accounts,
		usage:    usage,
		tokens:   tokens,
		registry: registry,
		battery:  make(map[string]float64),
	}
}

// Start refreshes all providers immediately and then on a fixed interval
// until the context is cancelled.
func (s *Service) Start(ctx context.Context) {
	go func() {
		s.RefreshAll(ctx)
		ticker := time.NewTicker(RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RefreshAll(ctx)
			}
		}
	}()
}

// RefreshAll refreshes quota data for every registered provider.
func (s *Service) RefreshAll(ctx context.Context) {
	for _, name := range s.registry.Providers() {
		if err := s.Refresh(ctx, name); err != nil {
			log.Warnf("Quota refresh for %s failed: %v", name, err)
		}
	}
}

// Refresh updates usage records and the battery level for one provider.
// Providers with a quota API are asked directly (the quota is user-scoped,
// so the first active account's token is enough); the rest get a heuristic
// level from account pause state.
func (s *Service) Refresh(ctx context.Context, providerName string) error {
	accounts, err := s.accounts.FetchActive(ctx, providerName)
	if err != nil {
		return fmt.Errorf("failed to fetch accounts for quota refresh: %w", err)
	}
	if len(accounts) == 0 {
		s.setBattery(providerName, 0)
		return nil
	}

	exec := s.registry.Executor(providerName)
	fetcher, ok := exec.(provider.QuotaFetcher)
	if !ok {
		s.setBattery(providerName, heuristicBattery(accounts, time.Now()))
		return nil
	}

	account := accounts[0]
	accessToken, bundle, err := s.tokens.ValidAccessToken(ctx, account)
	if err != nil {
		return fmt.Errorf("failed to get token for quota fetch: %w", err)
	}

	quotas, err := fetcher.FetchQuota(ctx, accessToken, bundle)
	if err != nil {
		return fmt.Errorf("failed to fetch quota for %s: %w", providerName, err)
	}

	level := 1.0
	for _, q := range quotas {
		if err := s.usage.UpsertQuota(ctx, account.ID, q.Model, q.RemainingFraction, q.ResetAt); err != nil {
			log.Warnf("Failed to upsert quota record for %s/%s: %v", account.ID, q.Model, err)
			continue
		}
		// Battery is the worst model, not the average.
		if q.RemainingFraction != nil && *q.RemainingFraction < level {
			level = *q.RemainingFraction
		}
	}
	s.setBattery(providerName, level)
	return nil
}

// RecordUsage adds one successful call's token counts to the usage record.
func (s *Service) RecordUsage(ctx context.Context, accountID, model string, inputTokens, outputTokens int64) error {
	return s.usage.IncrementUsage(ctx, accountID, model, inputTokens, outputTokens)
}

// RecordRateLimit pauses the account until the rate limit lifts and then
// re-reads the provider's quota.
func (s *Service) RecordRateLimit(ctx context.Context, accountID, providerName string, retryAfter *time.Duration) error {
	pause := DefaultPause
	if retryAfter != nil && *retryAfter > 0 {
		pause = *retryAfter
	}
	pausedUntil := time.Now().Add(pause)
	if err := s.accounts.UpdatePausedUntil(ctx, accountID, &pausedUntil); err != nil {
		return fmt.Errorf("failed to pause account %s: %w", accountID, err)
	}
	log.Infof("Account %s paused until %s after rate limit", accountID, pausedUntil)

	if err := s.Refresh(ctx, providerName); err != nil {
		log.Warnf("Quota refresh after rate limit failed: %v", err)
	}
	return nil
}

// BestAccount returns the unpaused active account with the most remaining
// capacity, or the first unpaused one when no usage data exists.
func (s *Service) BestAccount(ctx context.Context, providerName string) (*models.Account, error) {
	accounts, err := s.accounts.FetchActive(ctx, providerName)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var candidates []models.Account
	for _, account := range accounts {
		if account.IsSelectable(now) {
			candidates = append(candidates, account)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	exec := s.registry.Executor(providerName)
	if _, ok := exec.(provider.QuotaFetcher); !ok {
		return &candidates[0], nil
	}

	best := -1
	bestAverage := -1.0
	for i := range candidates {
		records, err := s.usage.ListByAccount(ctx, candidates[i].ID)
		if err != nil {
			log.Warnf("Failed to list usage for account %s: %v", candidates[i].ID, err)
			continue
		}
		sum, n := 0.0, 0
		for _, record := range records {
			if record.RemainingFraction != nil {
				sum += *record.RemainingFraction
				n++
			}
		}
		if n == 0 {
			continue
		}
		if average := sum / float64(n); average > bestAverage {
			bestAverage = average
			best = i
		}
	}
	if best < 0 {
		return &candidates[0], nil
	}
	return &candidates[best], nil
}

// BatteryLevel returns the last computed capacity fraction for a provider.
func (s *Service) BatteryLevel(providerName string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.battery[providerName]
}

func (s *Service) setBattery(providerName string, level float64) {
	s.mu.Lock()
	s.battery[providerName] = level
	s.mu.Unlock()
}

// heuristicBattery is full while any account is usable and empty when all
// are paused.
func heuristicBattery(accounts []models.Account, now time.Time) float64 {
	for _, account := range accounts {
		if account.IsSelectable(now) {
			return 1.0
		}
	}
	return 0.0
}

package selector

import (
	"context"
	"errors"
	"sync"

	"github.com/hidocu/llm-engine/internal/models"
)

// ErrAccountsExhausted is returned when no account can service the provider.
var ErrAccountsExhausted = errors.New("no accounts available for provider")

// QuotaAdvisor recommends the account with the most remaining capacity.
type QuotaAdvisor interface {
	BestAccount(ctx context.Context, provider string) (*models.Account, error)
}

// Selector picks the account that services a call: the quota advisor's
// choice when it is among the candidates, otherwise a per-provider
// round-robin over them.
type Selector struct {
	quota QuotaAdvisor

	mu      sync.Mutex
	cursors map[string]int
}

func New(quota QuotaAdvisor) *Selector {
	return &Selector{
		quota:   quota,
		cursors: make(map[string]int),
	}
}

// Pick chooses one of the candidate accounts.
func (s *Selector) Pick(ctx context.Context, provider string, candidates []models.Account) (*models.Account, error) {
	if len(candidates) == 0 {
		return nil, ErrAccountsExhausted
	}

	if s.quota != nil {
		if best, err := s.quota.BestAccount(ctx, provider); err == nil && best != nil {
			for i := range candidates {
				if candidates[i].ID == best.ID {
					return &candidates[i], nil
				}
			}
		}
	}

	s.mu.Lock()
	index := s.cursors[provider]
	if index >= 1<<30 {
		index = 0
	}
	s.cursors[provider] = index + 1
	s.mu.Unlock()

	return &candidates[index%len(candidates)], nil
}

package token

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hidocu/llm-engine/internal/credentials"
	"github.com/hidocu/llm-engine/internal/models"
	"github.com/hidocu/llm-engine/internal/provider"
)

// CredentialStore is the secure bundle persistence the manager needs.
type CredentialStore interface {
	SaveToken(ctx context.Context, key string, bundle *models.TokenBundle) error
	LoadToken(ctx context.Context, key string) (*models.TokenBundle, error)
}

// AccountStore is the account persistence the manager needs.
type AccountStore interface {
	UpdateLastUsed(ctx context.Context, accountID string, usedAt time.Time) error
}

// ExecutorRegistry resolves the executor for a provider.
type ExecutorRegistry interface {
	Executor(provider string) provider.Executor
}

type request struct {
	ctx          context.Context
	account      models.Account
	forceRefresh bool
	reply        chan result
}

type result struct {
	bundle *models.TokenBundle
	err    error
}

// Manager validates and refreshes access tokens. All state mutation runs on
// a single worker goroutine, so concurrent callers never race a refresh:
// the second caller for the same account sees the bundle the first one
// persisted.
type Manager struct {
	creds    CredentialStore
	accounts AccountStore
	registry ExecutorRegistry
	requests chan request
}

func NewManager(creds CredentialStore, accounts AccountStore, registry ExecutorRegistry) *Manager {
	return &Manager{
		creds:    creds,
		accounts: accounts,
		registry: registry,
		requests: make(chan request),
	}
}

// Start runs the worker until the context is cancelled.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case req := <-m.requests:
				bundle, err := m.handle(req)
				req.reply <- result{bundle: bundle, err: err}
			}
		}
	}()
}

// ValidAccessToken returns a token that is good for at least the expiry
// buffer, refreshing it first when needed.
func (m *Manager) ValidAccessToken(ctx context.Context, account models.Account) (string, *models.TokenBundle, error) {
	return m.send(ctx, account, false)
}

// RefreshAndGetToken forces a refresh and returns the new bundle.
func (m *Manager) RefreshAndGetToken(ctx context.Context, account models.Account) (string, *models.TokenBundle, error) {
	return m.send(ctx, account, true)
}

func (m *Manager) send(ctx context.Context, account models.Account, force bool) (string, *models.TokenBundle, error) {
	req := request{ctx: ctx, account: account, forceRefresh: force, reply: make(chan result, 1)}
	select {
	case m.requests <- req:
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
	select {
	case res := <-req.reply:
		if res.err != nil {
			return "", nil, res.err
		}
		return res.bundle.AccessToken, res.bundle, nil
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

func (m *Manager) handle(req request) (*models.TokenBundle, error) {
	account := req.account
	exec := m.registry.Executor(account.Provider)
	if exec == nil {
		return nil, &provider.AuthError{Message: "unsupported provider " + account.Provider}
	}

	bundle, err := m.creds.LoadToken(req.ctx, models.CredentialKey(account.ID))
	if err != nil {
		if errors.Is(err, credentials.ErrNoCredentials) {
			return nil, &provider.AuthError{Message: "no stored credentials for account " + account.ID}
		}
		return nil, err
	}

	if !req.forceRefresh && !exec.IsTokenExpired(bundle.ExpiresAt) {
		return bundle, nil
	}

	log.Infof("Refreshing %s token for account %s", account.Provider, account.ID)
	refreshed, err := exec.RefreshToken(req.ctx, bundle)
	if err != nil {
		return nil, err
	}
	merged := mergeBundles(bundle, refreshed)

	if err := m.creds.SaveToken(req.ctx, models.CredentialKey(account.ID), merged); err != nil {
		return nil, err
	}
	if err := m.accounts.UpdateLastUsed(req.ctx, account.ID, time.Now()); err != nil {
		log.Warnf("Failed to update last used for account %s: %v", account.ID, err)
	}
	return merged, nil
}

// mergeBundles carries forward fields the refresh response did not return.
func mergeBundles(old, refreshed *models.TokenBundle) *models.TokenBundle {
	merged := *refreshed
	if merged.RefreshToken == "" {
		merged.RefreshToken = old.RefreshToken
	}
	if merged.ClientID == "" {
		merged.ClientID = old.ClientID
	}
	if merged.ProjectID == "" {
		merged.ProjectID = old.ProjectID
	}
	if merged.AccountUUID == "" {
		merged.AccountUUID = old.AccountUUID
	}
	if merged.Metadata == nil {
		merged.Metadata = old.Metadata
	}
	return &merged
}

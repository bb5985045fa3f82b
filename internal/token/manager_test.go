package token

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hidocu/llm-engine/internal/credentials"
	"github.com/hidocu/llm-engine/internal/models"
	"github.com/hidocu/llm-engine/internal/provider"
)

type mockCredentialStore struct {
	saveTokenFunc func(ctx context.Context, key string, bundle *models.TokenBundle) error
	loadTokenFunc func(ctx context.Context, key string) (*models.TokenBundle, error)
}

func (m *mockCredentialStore) SaveToken(ctx context.Context, key string, bundle *models.TokenBundle) error {
	if m.saveTokenFunc != nil {
		return m.saveTokenFunc(ctx, key, bundle)
	}
	return nil
}

func (m *mockCredentialStore) LoadToken(ctx context.Context, key string) (*models.TokenBundle, error) {
	if m.loadTokenFunc != nil {
		return m.loadTokenFunc(ctx, key)
	}
	return nil, credentials.ErrNoCredentials
}

type mockAccountStore struct {
	updateLastUsedFunc func(ctx context.Context, accountID string, usedAt time.Time) error
}

func (m *mockAccountStore) UpdateLastUsed(ctx context.Context, accountID string, usedAt time.Time) error {
	if m.updateLastUsedFunc != nil {
		return m.updateLastUsedFunc(ctx, accountID, usedAt)
	}
	return nil
}

type mockExecutor struct {
	refreshTokenFunc   func(ctx context.Context, bundle *models.TokenBundle) (*models.TokenBundle, error)
	isTokenExpiredFunc func(expiresAt time.Time) bool
}

func (m *mockExecutor) Identifier() string { return "mock" }

func (m *mockExecutor) RefreshToken(ctx context.Context, bundle *models.TokenBundle) (*models.TokenBundle, error) {
	if m.refreshTokenFunc != nil {
		return m.refreshTokenFunc(ctx, bundle)
	}
	return bundle, nil
}

func (m *mockExecutor) IsTokenExpired(expiresAt time.Time) bool {
	if m.isTokenExpiredFunc != nil {
		return m.isTokenExpiredFunc(expiresAt)
	}
	return false
}

func (m *mockExecutor) FetchModels(ctx context.Context, accessToken string, bundle *models.TokenBundle) ([]provider.ModelInfo, error) {
	return nil, nil
}

func (m *mockExecutor) Chat(ctx context.Context, req provider.ChatRequest) (*provider.ChatResponse, error) {
	return nil, nil
}

func (m *mockExecutor) Transcribe(ctx context.Context, req provider.TranscribeRequest) (*provider.TranscribeResponse, error) {
	return nil, nil
}

type mockRegistry struct {
	exec provider.Executor
}

func (m *mockRegistry) Executor(name string) provider.Executor { return m.exec }

func startManager(t *testing.T, creds CredentialStore, accounts AccountStore, exec provider.Executor) *Manager {
	t.Helper()
	m := NewManager(creds, accounts, &mockRegistry{exec: exec})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	m.Start(ctx)
	return m
}

func TestValidAccessToken_FreshTokenSkipsRefresh(t *testing.T) {
	stored := &models.TokenBundle{
		AccessToken: "fresh-token",
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	creds := &mockCredentialStore{
		loadTokenFunc: func(ctx context.Context, key string) (*models.TokenBundle, error) {
			return stored, nil
		},
	}
	refreshed := false
	exec := &mockExecutor{
		refreshTokenFunc: func(ctx context.Context, bundle *models.TokenBundle) (*models.TokenBundle, error) {
			refreshed = true
			return bundle, nil
		},
	}
	m := startManager(t, creds, &mockAccountStore{}, exec)

	accessToken, _, err := m.ValidAccessToken(context.Background(), models.Account{ID: "acc-1", Provider: "mock"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if accessToken != "fresh-token" {
		t.Errorf("expected stored token, got %q", accessToken)
	}
	if refreshed {
		t.Error("expected no refresh for a fresh token")
	}
}

func TestValidAccessToken_RefreshesExpiredToken(t *testing.T) {
	stored := &models.TokenBundle{
		AccessToken:  "stale-token",
		RefreshToken: "refresh-token",
		ClientID:     "client-1",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}
	var saved *models.TokenBundle
	creds := &mockCredentialStore{
		loadTokenFunc: func(ctx context.Context, key string) (*models.TokenBundle, error) {
			return stored, nil
		},
		saveTokenFunc: func(ctx context.Context, key string, bundle *models.TokenBundle) error {
			saved = bundle
			return nil
		},
	}
	exec := &mockExecutor{
		isTokenExpiredFunc: func(expiresAt time.Time) bool { return true },
		refreshTokenFunc: func(ctx context.Context, bundle *models.TokenBundle) (*models.TokenBundle, error) {
			return &models.TokenBundle{
				AccessToken: "new-token",
				ExpiresAt:   time.Now().Add(time.Hour),
			}, nil
		},
	}
	var lastUsedAccount string
	accounts := &mockAccountStore{
		updateLastUsedFunc: func(ctx context.Context, accountID string, usedAt time.Time) error {
			lastUsedAccount = accountID
			return nil
		},
	}
	m := startManager(t, creds, accounts, exec)

	accessToken, bundle, err := m.ValidAccessToken(context.Background(), models.Account{ID: "acc-1", Provider: "mock"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if accessToken != "new-token" {
		t.Errorf("expected refreshed token, got %q", accessToken)
	}
	// Fields the refresh response omits are carried over.
	if bundle.RefreshToken != "refresh-token" {
		t.Errorf("expected refresh token preserved, got %q", bundle.RefreshToken)
	}
	if bundle.ClientID != "client-1" {
		t.Errorf("expected client id preserved, got %q", bundle.ClientID)
	}
	if saved == nil || saved.AccessToken != "new-token" {
		t.Error("expected refreshed bundle to be persisted")
	}
	if lastUsedAccount != "acc-1" {
		t.Errorf("expected last used update for acc-1, got %q", lastUsedAccount)
	}
}

func TestValidAccessToken_NoStoredCredentials(t *testing.T) {
	m := startManager(t, &mockCredentialStore{}, &mockAccountStore{}, &mockExecutor{})

	_, _, err := m.ValidAccessToken(context.Background(), models.Account{ID: "acc-1", Provider: "mock"})

	var authErr *provider.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected auth error for missing credentials, got %v", err)
	}
}

func TestValidAccessToken_UnsupportedProvider(t *testing.T) {
	m := startManager(t, &mockCredentialStore{}, &mockAccountStore{}, nil)

	_, _, err := m.ValidAccessToken(context.Background(), models.Account{ID: "acc-1", Provider: "unknown"})

	var authErr *provider.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected auth error for unsupported provider, got %v", err)
	}
}

func TestRefreshAndGetToken_ForcesRefresh(t *testing.T) {
	stored := &models.TokenBundle{
		AccessToken:  "still-valid",
		RefreshToken: "refresh-token",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	creds := &mockCredentialStore{
		loadTokenFunc: func(ctx context.Context, key string) (*models.TokenBundle, error) {
			return stored, nil
		},
	}
	refreshed := false
	exec := &mockExecutor{
		refreshTokenFunc: func(ctx context.Context, bundle *models.TokenBundle) (*models.TokenBundle, error) {
			refreshed = true
			return &models.TokenBundle{AccessToken: "forced-token", ExpiresAt: time.Now().Add(time.Hour)}, nil
		},
	}
	m := startManager(t, creds, &mockAccountStore{}, exec)

	accessToken, _, err := m.RefreshAndGetToken(context.Background(), models.Account{ID: "acc-1", Provider: "mock"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !refreshed {
		t.Error("expected forced refresh")
	}
	if accessToken != "forced-token" {
		t.Errorf("expected forced token, got %q", accessToken)
	}
}

func TestMergeBundles_PreservesFields(t *testing.T) {
	old := &models.TokenBundle{
		AccessToken:  "old",
		RefreshToken: "refresh",
		ClientID:     "client",
		ProjectID:    "project",
		AccountUUID:  "uuid",
		Metadata:     map[string]string{"tier": "max"},
	}
	refreshed := &models.TokenBundle{AccessToken: "new", ExpiresAt: time.Now().Add(time.Hour)}

	merged := mergeBundles(old, refreshed)
	if merged.AccessToken != "new" {
		t.Errorf("expected new access token, got %q", merged.AccessToken)
	}
	if merged.RefreshToken != "refresh" || merged.ClientID != "client" ||
		merged.ProjectID != "project" || merged.AccountUUID != "uuid" {
		t.Errorf("expected carried-over fields, got %+v", merged)
	}
	if merged.Metadata["tier"] != "max" {
		t.Errorf("expected metadata preserved, got %v", merged.Metadata)
	}
}

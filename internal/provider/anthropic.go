package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	"github.com/hidocu/llm-engine/internal/models"
)

const (
	anthropicAPIBase    = "https://api.anthropic.com"
	anthropicTokenURL   = "https://console.anthropic.com/v1/oauth/token"
	anthropicVersion    = "2023-06-01"
	anthropicUsagePath  = "/api/oauth/usage"
	defaultChatMaxToken = 8192
)

// AnthropicExecutor talks to the Anthropic messages API with OAuth
// subscription credentials. Anthropic exposes a usage endpoint, so it
// implements QuotaFetcher.
type AnthropicExecutor struct {
	clientID   string
	httpClient *http.Client
}

func NewAnthropicExecutor(clientID string) *AnthropicExecutor {
	return &AnthropicExecutor{
		clientID: clientID,
		httpClient: &http.Client{
			Timeout: 300 * time.Second,
		},
	}
}

func (e *AnthropicExecutor) Identifier() string { return "anthropic" }

// RefreshToken exchanges the refresh token at the console token endpoint.
func (e *AnthropicExecutor) RefreshToken(ctx context.Context, bundle *models.TokenBundle) (*models.TokenBundle, error) {
	if bundle == nil || bundle.RefreshToken == "" {
		return nil, &AuthError{Message: "no refresh token available"}
	}

	clientID := bundle.ClientID
	if clientID == "" {
		clientID = e.clientID
	}
	config := &oauth2.Config{
		ClientID: clientID,
		Endpoint: oauth2.Endpoint{
			TokenURL:  anthropicTokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	token := &oauth2.Token{RefreshToken: bundle.RefreshToken}
	newToken, err := config.TokenSource(ctx, token).Token()
	if err != nil {
		return nil, &AuthError{Message: "failed to refresh anthropic token", Err: err}
	}

	refreshed := &models.TokenBundle{
		AccessToken:  newToken.AccessToken,
		RefreshToken: bundle.RefreshToken,
		ExpiresAt:    newToken.Expiry,
		ClientID:     clientID,
		ProjectID:    bundle.ProjectID,
		AccountUUID:  bundle.AccountUUID,
		Metadata:     bundle.Metadata,
	}
	if newToken.RefreshToken != "" {
		refreshed.RefreshToken = newToken.RefreshToken
	}

	log.Infof("Anthropic token refreshed, expires at %s", refreshed.ExpiresAt)
	return refreshed, nil
}

// IsTokenExpired checks if the access token is expired or will expire
// within the safety buffer.
func (e *AnthropicExecutor) IsTokenExpired(expiresAt time.Time) bool {
	if expiresAt.IsZero() {
		return true
	}
	return time.Now().Add(tokenExpiryBuffer).After(expiresAt)
}

// FetchModels lists the models available to the token.
func (e *AnthropicExecutor) FetchModels(ctx context.Context, accessToken string, bundle *models.TokenBundle) ([]ModelInfo, error) {
	body, err := e.doRequest(ctx, http.MethodGet, anthropicAPIBase+"/v1/models", accessToken, nil)
	if err != nil {
		return nil, err
	}

	var infos []ModelInfo
	for _, m := range gjson.GetBytes(body, "data").Array() {
		infos = append(infos, ModelInfo{
			ID:          m.Get("id").String(),
			DisplayName: m.Get("display_name").String(),
		})
	}
	return infos, nil
}

// Chat sends a messages request and decodes the text content.
func (e *AnthropicExecutor) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	maxTokens := req.Options.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultChatMaxToken
	}
	reqBody := map[string]interface{}{
		"model":      req.Model,
		"max_tokens": maxTokens,
		"messages":   req.Messages,
	}
	if req.Options.System != "" {
		reqBody["system"] = req.Options.System
	}
	if req.Options.Temperature > 0 {
		reqBody["temperature"] = req.Options.Temperature
	}

	body, err := e.doRequest(ctx, http.MethodPost, anthropicAPIBase+"/v1/messages", req.AccessToken, reqBody)
	if err != nil {
		return nil, err
	}

	content := gjson.GetBytes(body, "content.0.text")
	if !content.Exists() {
		return nil, &InvalidResponseError{Message: "anthropic response has no text content"}
	}

	return &ChatResponse{
		Content:      content.String(),
		Model:        gjson.GetBytes(body, "model").String(),
		InputTokens:  gjson.GetBytes(body, "usage.input_tokens").Int(),
		OutputTokens: gjson.GetBytes(body, "usage.output_tokens").Int(),
	}, nil
}

// Transcribe is not supported by the messages API.
func (e *AnthropicExecutor) Transcribe(ctx context.Context, req TranscribeRequest) (*TranscribeResponse, error) {
	return nil, &APIError{Status: http.StatusBadRequest, Message: "anthropic does not support audio transcription"}
}

// FetchQuota reads the subscription usage endpoint. The quota is scoped to
// the user, not the individual credential.
func (e *AnthropicExecutor) FetchQuota(ctx context.Context, accessToken string, bundle *models.TokenBundle) ([]ModelQuota, error) {
	body, err := e.doRequest(ctx, http.MethodGet, anthropicAPIBase+anthropicUsagePath, accessToken, nil)
	if err != nil {
		return nil, err
	}

	usage := gjson.GetBytes(body, "usage")
	if !usage.Exists() || !usage.IsArray() {
		return nil, &InvalidResponseError{Message: "anthropic usage response has no usage array"}
	}

	var quotas []ModelQuota
	for _, entry := range usage.Array() {
		q := ModelQuota{Model: entry.Get("model").String()}
		if remaining := entry.Get("remaining_fraction"); remaining.Exists() {
			fraction := remaining.Float()
			q.RemainingFraction = &fraction
		}
		if resetAt := entry.Get("resets_at"); resetAt.Exists() {
			if at, parseErr := time.Parse(time.RFC3339, resetAt.String()); parseErr == nil {
				q.ResetAt = &at
			}
		}
		quotas = append(quotas, q)
	}
	return quotas, nil
}

// doRequest executes one API call and classifies non-2xx outcomes into the
// typed error taxonomy.
func (e *AnthropicExecutor) doRequest(ctx context.Context, method, url, accessToken string, payload interface{}) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, &AuthError{Message: "anthropic rejected the access token"}
	case resp.StatusCode >= 400:
		message := gjson.GetBytes(body, "error.message").String()
		if message == "" {
			message = string(body)
		}
		return nil, &APIError{Status: resp.StatusCode, Message: message}
	}

	return body, nil
}

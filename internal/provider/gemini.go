package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"

	"github.com/hidocu/llm-engine/internal/models"
)

const (
	geminiAPIBase  = "https://generativelanguage.googleapis.com/v1beta"
	geminiTokenURL = "https://oauth2.googleapis.com/token"

	// Access tokens are treated as expired this long before the real expiry.
	tokenExpiryBuffer = 5 * time.Minute
)

// GeminiExecutor talks to the Gemini generative language API with OAuth
// user credentials. Gemini has no usage quota API, so its capacity is
// estimated from account pause state.
type GeminiExecutor struct {
	clientID     string
	clientSecret string
	httpClient   *http.Client
}

func NewGeminiExecutor(clientID, clientSecret string) *GeminiExecutor {
	return &GeminiExecutor{
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient: &http.Client{
			Timeout: 300 * time.Second, // transcription of long recordings is slow
		},
	}
}

func (e *GeminiExecutor) Identifier() string { return "gemini" }

// RefreshToken exchanges the refresh token for a new access token,
// preserving bundle fields the token endpoint does not return.
func (e *GeminiExecutor) RefreshToken(ctx context.Context, bundle *models.TokenBundle) (*models.TokenBundle, error) {
	if bundle == nil || bundle.RefreshToken == "" {
		return nil, &AuthError{Message: "no refresh token available"}
	}

	clientID := bundle.ClientID
	if clientID == "" {
		clientID = e.clientID
	}
	config := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: e.clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL: geminiTokenURL,
		},
	}

	token := &oauth2.Token{RefreshToken: bundle.RefreshToken}
	newToken, err := config.TokenSource(ctx, token).Token()
	if err != nil {
		return nil, &AuthError{Message: "failed to refresh gemini token", Err: err}
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
	// Google occasionally rotates the refresh token.
	if newToken.RefreshToken != "" {
		refreshed.RefreshToken = newToken.RefreshToken
	}

	log.Infof("Gemini token refreshed, expires at %s", refreshed.ExpiresAt)
	return refreshed, nil
}

// IsTokenExpired checks if the access token is expired or will expire
// within the safety buffer.
func (e *GeminiExecutor) IsTokenExpired(expiresAt time.Time) bool {
	if expiresAt.IsZero() {
		return true
	}
	return time.Now().Add(tokenExpiryBuffer).After(expiresAt)
}

// FetchModels lists the generative models visible to the token.
func (e *GeminiExecutor) FetchModels(ctx context.Context, accessToken string, bundle *models.TokenBundle) ([]ModelInfo, error) {
	body, err := e.doRequest(ctx, http.MethodGet, geminiAPIBase+"/models", accessToken, nil)
	if err != nil {
		return nil, err
	}

	var infos []ModelInfo
	for _, m := range gjson.GetBytes(body, "models").Array() {
		id := strings.TrimPrefix(m.Get("name").String(), "models/")
		infos = append(infos, ModelInfo{
			ID:          id,
			DisplayName: m.Get("displayName").String(),
		})
	}
	return infos, nil
}

// Chat sends a generateContent request and decodes the first candidate.
func (e *GeminiExecutor) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	contents := make([]map[string]interface{}, 0, len(req.Messages))
	for _, msg := range req.Messages {
		role := msg.Role
		if role == "assistant" {
			role = "model"
		}
		contents = append(contents, map[string]interface{}{
			"role":  role,
			"parts": []map[string]interface{}{{"text": msg.Content}},
		})
	}

	reqBody := map[string]interface{}{"contents": contents}
	if req.Options.System != "" {
		reqBody["systemInstruction"] = map[string]interface{}{
			"parts": []map[string]interface{}{{"text": req.Options.System}},
		}
	}
	if req.Options.MaxTokens > 0 || req.Options.Temperature > 0 {
		genConfig := map[string]interface{}{}
		if req.Options.MaxTokens > 0 {
			genConfig["maxOutputTokens"] = req.Options.MaxTokens
		}
		if req.Options.Temperature > 0 {
			genConfig["temperature"] = req.Options.Temperature
		}
		reqBody["generationConfig"] = genConfig
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", geminiAPIBase, req.Model)
	body, err := e.doRequest(ctx, http.MethodPost, url, req.AccessToken, reqBody)
	if err != nil {
		return nil, err
	}

	content := gjson.GetBytes(body, "candidates.0.content.parts.0.text")
	if !content.Exists() {
		return nil, &InvalidResponseError{Message: "gemini response has no candidate text"}
	}

	return &ChatResponse{
		Content:      content.String(),
		Model:        req.Model,
		InputTokens:  gjson.GetBytes(body, "usageMetadata.promptTokenCount").Int(),
		OutputTokens: gjson.GetBytes(body, "usageMetadata.candidatesTokenCount").Int(),
	}, nil
}

// Transcribe sends the recordings inline and asks the model for a verbatim
// transcript.
func (e *GeminiExecutor) Transcribe(ctx context.Context, req TranscribeRequest) (*TranscribeResponse, error) {
	parts := make([]map[string]interface{}, 0, len(req.AudioPaths)+1)
	prompt := "Transcribe this recording verbatim. Output only the transcript text."
	if req.Context != "" {
		prompt += " Context: " + req.Context
	}
	parts = append(parts, map[string]interface{}{"text": prompt})

	for _, path := range req.AudioPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read audio file %s: %w", path, err)
		}
		parts = append(parts, map[string]interface{}{
			"inline_data": map[string]interface{}{
				"mime_type": audioMimeType(path),
				"data":      base64.StdEncoding.EncodeToString(data),
			},
		})
	}

	reqBody := map[string]interface{}{
		"contents": []map[string]interface{}{
			{"role": "user", "parts": parts},
		},
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", geminiAPIBase, req.Model)
	body, err := e.doRequest(ctx, http.MethodPost, url, req.AccessToken, reqBody)
	if err != nil {
		return nil, err
	}

	content := gjson.GetBytes(body, "candidates.0.content.parts.0.text")
	if !content.Exists() {
		return nil, &InvalidResponseError{Message: "gemini transcription response has no candidate text"}
	}

	return &TranscribeResponse{
		Text:         content.String(),
		InputTokens:  gjson.GetBytes(body, "usageMetadata.promptTokenCount").Int(),
		OutputTokens: gjson.GetBytes(body, "usageMetadata.candidatesTokenCount").Int(),
	}, nil
}

// doRequest executes one API call and classifies non-2xx outcomes into the
// typed error taxonomy.
func (e *GeminiExecutor) doRequest(ctx context.Context, method, url, accessToken string, payload interface{}) ([]byte, error) {
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

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if err := googleapi.CheckResponse(resp); err != nil {
		return nil, classifyGoogleError(err, resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}

func classifyGoogleError(err error, resp *http.Response) error {
	apiErr, ok := err.(*googleapi.Error)
	if !ok {
		return err
	}
	switch apiErr.Code {
	case http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case http.StatusUnauthorized:
		return &AuthError{Message: "gemini rejected the access token"}
	default:
		return &APIError{Status: apiErr.Code, Message: apiErr.Message}
	}
}

// parseRetryAfter interprets a Retry-After header as either seconds or an
// HTTP date. Returns nil if the header is absent or unparsable.
func parseRetryAfter(header string) *time.Duration {
	if header == "" {
		return nil
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		d := time.Duration(seconds) * time.Second
		return &d
	}
	if at, err := http.ParseTime(header); err == nil {
		d := time.Until(at)
		if d < 0 {
			d = 0
		}
		return &d
	}
	return nil
}

func audioMimeType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		return "audio/mp3"
	case ".wav":
		return "audio/wav"
	case ".m4a", ".aac":
		return "audio/aac"
	case ".ogg", ".opus":
		return "audio/ogg"
	case ".flac":
		return "audio/flac"
	default:
		return "application/octet-stream"
	}
}

package provider

import (
	"context"
	"sync"
	"time"

	"github.com/hidocu/llm-engine/internal/models"
)

// ChatMessage is one turn of a chat request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatOptions tunes a chat call.
type ChatOptions struct {
	MaxTokens   int
	Temperature float64
	System      string
}

// ChatRequest bundles everything an executor needs for one chat call.
type ChatRequest struct {
	Model       string
	AccessToken string
	Messages    []ChatMessage
	Options     ChatOptions
	Bundle      *models.TokenBundle
}

// ChatResponse is the decoded result of a chat call.
type ChatResponse struct {
	Content      string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// TranscribeRequest bundles everything an executor needs to transcribe audio.
type TranscribeRequest struct {
	Model       string
	AccessToken string
	AudioPaths  []string
	Context     string
	Bundle      *models.TokenBundle
}

// TranscribeResponse is the decoded result of a transcription call.
type TranscribeResponse struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
}

// ModelInfo describes one model a provider exposes.
type ModelInfo struct {
	ID          string
	DisplayName string
}

// ModelQuota is the remaining capacity a quota API reports for one model.
type ModelQuota struct {
	Model             string
	RemainingFraction *float64
	ResetAt           *time.Time
}

// Executor performs the network calls for one provider. Implementations
// report outcomes through the typed errors in this package.
type Executor interface {
	Identifier() string
	RefreshToken(ctx context.Context, bundle *models.TokenBundle) (*models.TokenBundle, error)
	IsTokenExpired(expiresAt time.Time) bool
	FetchModels(ctx context.Context, accessToken string, bundle *models.TokenBundle) ([]ModelInfo, error)
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Transcribe(ctx context.Context, req TranscribeRequest) (*TranscribeResponse, error)
}

// QuotaFetcher is implemented by executors whose provider exposes a usage
// quota API. Quota is user-scoped for these providers, so one active
// account's token is enough.
type QuotaFetcher interface {
	FetchQuota(ctx context.Context, accessToken string, bundle *models.TokenBundle) ([]ModelQuota, error)
}

// Registry holds the configured executor per provider.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register adds an executor under its identifier.
func (r *Registry) Register(exec Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[exec.Identifier()] = exec
}

// Executor returns the executor for a provider, or nil if unsupported.
func (r *Registry) Executor(provider string) Executor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.executors[provider]
}

// Providers lists the registered provider identifiers.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	providers := make([]string, 0, len(r.executors))
	for name := range r.executors {
		providers = append(providers, name)
	}
	return providers
}

package engine

import (
	"context"
	"time"

	"github.com/hidocu/llm-engine/internal/models"
	"github.com/hidocu/llm-engine/internal/provider"
)

// JobStore is the durable job persistence the processor needs.
type JobStore interface {
	Insert(ctx context.Context, job *models.Job) error
	Update(ctx context.Context, job *models.Job) error
	FetchByID(ctx context.Context, id int64) (*models.Job, error)
	FetchPending(ctx context.Context, limit int) ([]models.Job, error)
	FetchRetryable(ctx context.Context, now time.Time) ([]models.Job, error)
	FetchActive(ctx context.Context) ([]models.Job, error)
	FetchForDocument(ctx context.Context, documentID int64) ([]models.Job, error)
	CancelForDocument(ctx context.Context, documentID int64) error
	DeleteCompleted(ctx context.Context, olderThan time.Time) (int64, error)
	ClearDeferredRetry(ctx context.Context, provider string) error
	HasPendingJob(ctx context.Context, documentID int64, jobTypes ...string) (bool, error)
	CountByStatus(ctx context.Context, status string) (int64, error)
	FetchRecentTerminal(ctx context.Context, status string, limit int) ([]models.Job, error)
}

// AccountStore is the account persistence the processor needs.
type AccountStore interface {
	GetByID(ctx context.Context, accountID string) (*models.Account, error)
	FetchActive(ctx context.Context, provider string) ([]models.Account, error)
	FetchAll(ctx context.Context, provider string) ([]models.Account, error)
}

// DocumentStore is the document/transcript persistence job handlers write to.
type DocumentStore interface {
	GetDocument(ctx context.Context, id int64) (*models.Document, error)
	UpdateDocumentBody(ctx context.Context, id int64, body string) error
	UpdateDocumentSummary(ctx context.Context, id int64, summary string) error
	GetTranscript(ctx context.Context, id int64) (*models.Transcript, error)
	UpdateTranscript(ctx context.Context, id int64, fullText, status string) error
	MarkTranscriptFailed(ctx context.Context, id int64) error
	SetPrimaryTranscript(ctx context.Context, documentID, transcriptID int64) error
	ListTranscripts(ctx context.Context, documentID int64) ([]models.Transcript, error)
}

// TokenSource supplies valid access tokens for dispatched jobs.
type TokenSource interface {
	ValidAccessToken(ctx context.Context, account models.Account) (string, *models.TokenBundle, error)
}

// QuotaTracker records usage and rate-limit events.
type QuotaTracker interface {
	RecordUsage(ctx context.Context, accountID, model string, inputTokens, outputTokens int64) error
	RecordRateLimit(ctx context.Context, accountID, provider string, retryAfter *time.Duration) error
}

// AccountPicker chooses which free account services a job.
type AccountPicker interface {
	Pick(ctx context.Context, provider string, candidates []models.Account) (*models.Account, error)
}

// ExecutorRegistry resolves the executor for a provider.
type ExecutorRegistry interface {
	Executor(provider string) provider.Executor
}

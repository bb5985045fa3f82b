package engine

import (
	"context"
	"sync"
	"time"

	"github.com/hidocu/llm-engine/internal/models"
	"github.com/hidocu/llm-engine/internal/provider"
)

type mockJobStore struct {
	mu      sync.Mutex
	updates []models.Job
	inserts []models.Job

	insertFunc              func(ctx context.Context, job *models.Job) error
	updateFunc              func(ctx context.Context, job *models.Job) error
	fetchByIDFunc           func(ctx context.Context, id int64) (*models.Job, error)
	fetchPendingFunc        func(ctx context.Context, limit int) ([]models.Job, error)
	fetchRetryableFunc      func(ctx context.Context, now time.Time) ([]models.Job, error)
	fetchActiveFunc         func(ctx context.Context) ([]models.Job, error)
	fetchForDocumentFunc    func(ctx context.Context, documentID int64) ([]models.Job, error)
	cancelForDocumentFunc   func(ctx context.Context, documentID int64) error
	deleteCompletedFunc     func(ctx context.Context, olderThan time.Time) (int64, error)
	clearDeferredRetryFunc  func(ctx context.Context, provider string) error
	hasPendingJobFunc       func(ctx context.Context, documentID int64, jobTypes ...string) (bool, error)
	countByStatusFunc       func(ctx context.Context, status string) (int64, error)
	fetchRecentTerminalFunc func(ctx context.Context, status string, limit int) ([]models.Job, error)
}

func (m *mockJobStore) Insert(ctx context.Context, job *models.Job) error {
	m.mu.Lock()
	if job.ID == 0 {
		job.ID = int64(len(m.inserts)) + 1000
	}
	m.inserts = append(m.inserts, *job)
	m.mu.Unlock()
	if m.insertFunc != nil {
		return m.insertFunc(ctx, job)
	}
	return nil
}

func (m *mockJobStore) Update(ctx context.Context, job *models.Job) error {
	m.mu.Lock()
	m.updates = append(m.updates, *job)
	m.mu.Unlock()
	if m.updateFunc != nil {
		return m.updateFunc(ctx, job)
	}
	return nil
}

func (m *mockJobStore) FetchByID(ctx context.Context, id int64) (*models.Job, error) {
	if m.fetchByIDFunc != nil {
		return m.fetchByIDFunc(ctx, id)
	}
	return nil, nil
}

func (m *mockJobStore) FetchPending(ctx context.Context, limit int) ([]models.Job, error) {
	if m.fetchPendingFunc != nil {
		return m.fetchPendingFunc(ctx, limit)
	}
	return nil, nil
}

func (m *mockJobStore) FetchRetryable(ctx context.Context, now time.Time) ([]models.Job, error) {
	if m.fetchRetryableFunc != nil {
		return m.fetchRetryableFunc(ctx, now)
	}
	return nil, nil
}

func (m *mockJobStore) FetchActive(ctx context.Context) ([]models.Job, error) {
	if m.fetchActiveFunc != nil {
		return m.fetchActiveFunc(ctx)
	}
	return nil, nil
}

func (m *mockJobStore) FetchForDocument(ctx context.Context, documentID int64) ([]models.Job, error) {
	if m.fetchForDocumentFunc != nil {
		return m.fetchForDocumentFunc(ctx, documentID)
	}
	return nil, nil
}

func (m *mockJobStore) CancelForDocument(ctx context.Context, documentID int64) error {
	if m.cancelForDocumentFunc != nil {
		return m.cancelForDocumentFunc(ctx, documentID)
	}
	return nil
}

func (m *mockJobStore) DeleteCompleted(ctx context.Context, olderThan time.Time) (int64, error) {
	if m.deleteCompletedFunc != nil {
		return m.deleteCompletedFunc(ctx, olderThan)
	}
	return 0, nil
}

func (m *mockJobStore) ClearDeferredRetry(ctx context.Context, provider string) error {
	if m.clearDeferredRetryFunc != nil {
		return m.clearDeferredRetryFunc(ctx, provider)
	}
	return nil
}

func (m *mockJobStore) HasPendingJob(ctx context.Context, documentID int64, jobTypes ...string) (bool, error) {
	if m.hasPendingJobFunc != nil {
		return m.hasPendingJobFunc(ctx, documentID, jobTypes...)
	}
	return false, nil
}

func (m *mockJobStore) CountByStatus(ctx context.Context, status string) (int64, error) {
	if m.countByStatusFunc != nil {
		return m.countByStatusFunc(ctx, status)
	}
	return 0, nil
}

func (m *mockJobStore) FetchRecentTerminal(ctx context.Context, status string, limit int) ([]models.Job, error) {
	if m.fetchRecentTerminalFunc != nil {
		return m.fetchRecentTerminalFunc(ctx, status, limit)
	}
	return nil, nil
}

func (m *mockJobStore) lastUpdate() *models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.updates) == 0 {
		return nil
	}
	job := m.updates[len(m.updates)-1]
	return &job
}

func (m *mockJobStore) updateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.updates)
}

func (m *mockJobStore) insertedJobs() []models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Job(nil), m.inserts...)
}

type mockAccountStore struct {
	getByIDFunc     func(ctx context.Context, accountID string) (*models.Account, error)
	fetchActiveFunc func(ctx context.Context, provider string) ([]models.Account, error)
	fetchAllFunc    func(ctx context.Context, provider string) ([]models.Account, error)
}

func (m *mockAccountStore) GetByID(ctx context.Context, accountID string) (*models.Account, error) {
	if m.getByIDFunc != nil {
		return m.getByIDFunc(ctx, accountID)
	}
	return &models.Account{ID: accountID, IsActive: true}, nil
}

func (m *mockAccountStore) FetchActive(ctx context.Context, provider string) ([]models.Account, error) {
	if m.fetchActiveFunc != nil {
		return m.fetchActiveFunc(ctx, provider)
	}
	return nil, nil
}

func (m *mockAccountStore) FetchAll(ctx context.Context, provider string) ([]models.Account, error) {
	if m.fetchAllFunc != nil {
		return m.fetchAllFunc(ctx, provider)
	}
	return nil, nil
}

type mockDocumentStore struct {
	getDocumentFunc           func(ctx context.Context, id int64) (*models.Document, error)
	updateDocumentBodyFunc    func(ctx context.Context, id int64, body string) error
	updateDocumentSummaryFunc func(ctx context.Context, id int64, summary string) error
	getTranscriptFunc         func(ctx context.Context, id int64) (*models.Transcript, error)
	updateTranscriptFunc      func(ctx context.Context, id int64, fullText, status string) error
	markTranscriptFailedFunc  func(ctx context.Context, id int64) error
	setPrimaryTranscriptFunc  func(ctx context.Context, documentID, transcriptID int64) error
	listTranscriptsFunc       func(ctx context.Context, documentID int64) ([]models.Transcript, error)
}

func (m *mockDocumentStore) GetDocument(ctx context.Context, id int64) (*models.Document, error) {
	if m.getDocumentFunc != nil {
		return m.getDocumentFunc(ctx, id)
	}
	return &models.Document{ID: id, Body: "document body"}, nil
}

func (m *mockDocumentStore) UpdateDocumentBody(ctx context.Context, id int64, body string) error {
	if m.updateDocumentBodyFunc != nil {
		return m.updateDocumentBodyFunc(ctx, id, body)
	}
	return nil
}

func (m *mockDocumentStore) UpdateDocumentSummary(ctx context.Context, id int64, summary string) error {
	if m.updateDocumentSummaryFunc != nil {
		return m.updateDocumentSummaryFunc(ctx, id, summary)
	}
	return nil
}

func (m *mockDocumentStore) GetTranscript(ctx context.Context, id int64) (*models.Transcript, error) {
	if m.getTranscriptFunc != nil {
		return m.getTranscriptFunc(ctx, id)
	}
	return &models.Transcript{ID: id, Status: models.TranscriptStatusPending}, nil
}

func (m *mockDocumentStore) UpdateTranscript(ctx context.Context, id int64, fullText, status string) error {
	if m.updateTranscriptFunc != nil {
		return m.updateTranscriptFunc(ctx, id, fullText, status)
	}
	return nil
}

func (m *mockDocumentStore) MarkTranscriptFailed(ctx context.Context, id int64) error {
	if m.markTranscriptFailedFunc != nil {
		return m.markTranscriptFailedFunc(ctx, id)
	}
	return nil
}

func (m *mockDocumentStore) SetPrimaryTranscript(ctx context.Context, documentID, transcriptID int64) error {
	if m.setPrimaryTranscriptFunc != nil {
		return m.setPrimaryTranscriptFunc(ctx, documentID, transcriptID)
	}
	return nil
}

func (m *mockDocumentStore) ListTranscripts(ctx context.Context, documentID int64) ([]models.Transcript, error) {
	if m.listTranscriptsFunc != nil {
		return m.listTranscriptsFunc(ctx, documentID)
	}
	return nil, nil
}

type mockTokenSource struct {
	validAccessTokenFunc func(ctx context.Context, account models.Account) (string, *models.TokenBundle, error)
}

func (m *mockTokenSource) ValidAccessToken(ctx context.Context, account models.Account) (string, *models.TokenBundle, error) {
	if m.validAccessTokenFunc != nil {
		return m.validAccessTokenFunc(ctx, account)
	}
	return "token123", &models.TokenBundle{AccessToken: "token123"}, nil
}

type mockQuotaTracker struct {
	recordUsageFunc     func(ctx context.Context, accountID, model string, inputTokens, outputTokens int64) error
	recordRateLimitFunc func(ctx context.Context, accountID, provider string, retryAfter *time.Duration) error
}

func (m *mockQuotaTracker) RecordUsage(ctx context.Context, accountID, model string, inputTokens, outputTokens int64) error {
	if m.recordUsageFunc != nil {
		return m.recordUsageFunc(ctx, accountID, model, inputTokens, outputTokens)
	}
	return nil
}

func (m *mockQuotaTracker) RecordRateLimit(ctx context.Context, accountID, provider string, retryAfter *time.Duration) error {
	if m.recordRateLimitFunc != nil {
		return m.recordRateLimitFunc(ctx, accountID, provider, retryAfter)
	}
	return nil
}

type mockPicker struct {
	pickFunc func(ctx context.Context, provider string, candidates []models.Account) (*models.Account, error)
}

func (m *mockPicker) Pick(ctx context.Context, provider string, candidates []models.Account) (*models.Account, error) {
	if m.pickFunc != nil {
		return m.pickFunc(ctx, provider, candidates)
	}
	return &candidates[0], nil
}

type mockRegistry struct {
	executorFunc func(provider string) provider.Executor
}

func (m *mockRegistry) Executor(name string) provider.Executor {
	if m.executorFunc != nil {
		return m.executorFunc(name)
	}
	return nil
}

type mockExecutor struct {
	identifier     string
	chatFunc       func(ctx context.Context, req provider.ChatRequest) (*provider.ChatResponse, error)
	transcribeFunc func(ctx context.Context, req provider.TranscribeRequest) (*provider.TranscribeResponse, error)
}

func (m *mockExecutor) Identifier() string {
	if m.identifier != "" {
		return m.identifier
	}
	return "mock"
}

func (m *mockExecutor) RefreshToken(ctx context.Context, bundle *models.TokenBundle) (*models.TokenBundle, error) {
	return bundle, nil
}

func (m *mockExecutor) IsTokenExpired(expiresAt time.Time) bool { return false }

func (m *mockExecutor) FetchModels(ctx context.Context, accessToken string, bundle *models.TokenBundle) ([]provider.ModelInfo, error) {
	return nil, nil
}

func (m *mockExecutor) Chat(ctx context.Context, req provider.ChatRequest) (*provider.ChatResponse, error) {
	if m.chatFunc != nil {
		return m.chatFunc(ctx, req)
	}
	return &provider.ChatResponse{Content: "ok"}, nil
}

func (m *mockExecutor) Transcribe(ctx context.Context, req provider.TranscribeRequest) (*provider.TranscribeResponse, error) {
	if m.transcribeFunc != nil {
		return m.transcribeFunc(ctx, req)
	}
	return &provider.TranscribeResponse{Text: "transcript text"}, nil
}

// newTestProcessor wires a processor from the given mocks, substituting
// empty mocks for nil ones.
func newTestProcessor(jobs *mockJobStore, accounts *mockAccountStore, documents *mockDocumentStore, quota *mockQuotaTracker, registry *mockRegistry, picker *mockPicker) *Processor {
	if jobs == nil {
		jobs = &mockJobStore{}
	}
	if accounts == nil {
		accounts = &mockAccountStore{}
	}
	if documents == nil {
		documents = &mockDocumentStore{}
	}
	if quota == nil {
		quota = &mockQuotaTracker{}
	}
	if registry == nil {
		registry = &mockRegistry{}
	}
	if picker == nil {
		picker = &mockPicker{}
	}
	return NewProcessor(jobs, accounts, documents, &mockTokenSource{}, quota, registry, picker)
}

// markStarted puts the processor in the running state without launching
// the loop, so dispatch internals can be driven directly.
func markStarted(p *Processor, ctx context.Context) {
	p.mu.Lock()
	p.started = true
	p.baseCtx, p.cancelAll = context.WithCancel(ctx)
	p.wake = make(chan struct{}, 1)
	p.stop = make(chan struct{})
	p.mu.Unlock()
}

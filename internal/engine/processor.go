package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hidocu/llm-engine/internal/models"
	"github.com/hidocu/llm-engine/internal/repository"
)

const (
	maxConcurrentGlobal     = 3
	maxConcurrentPerAccount = 1

	heartbeatInterval  = 30 * time.Second
	staleRunningWindow = 2 * time.Hour
	cleanupInterval    = time.Hour
	cleanupRetention   = 24 * time.Hour

	recentJobsLimit = 5
)

type runningJob struct {
	accountID string
	cancel    context.CancelFunc
}

// Processor owns the background job loop: enqueueing, dispatch with global
// and per-account concurrency caps, retry scheduling, crash recovery and
// cleanup. All bookkeeping (running map, per-account counts) is guarded by
// one mutex; store and provider calls are never made while it is held.
type Processor struct {
	jobs      JobStore
	accounts  AccountStore
	documents DocumentStore
	tokens    TokenSource
	quota     QuotaTracker
	registry  ExecutorRegistry
	picker    AccountPicker

	mu             sync.Mutex
	started        bool
	baseCtx        context.Context
	cancelAll      context.CancelFunc
	wake           chan struct{}
	stop           chan struct{}
	running        map[int64]*runningJob
	accountRunning map[string]int
	lastCleanup    time.Time
}

func NewProcessor(
	jobs JobStore,
	accounts AccountStore,
	documents DocumentStore,
	tokens TokenSource,
	quota QuotaTracker,
	registry ExecutorRegistry,
	picker AccountPicker,
) *Processor {
	return &Processor{
		jobs:           jobs,
		accounts:       accounts,
		documents:      documents,
		tokens:         tokens,
		quota:          quota,
		registry:       registry,
		picker:         picker,
		running:        make(map[int64]*runningJob),
		accountRunning: make(map[string]int),
	}
}

// StartProcessing starts the background loop. Calling it while running is
// a no-op.
func (p *Processor) StartProcessing(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.baseCtx, p.cancelAll = context.WithCancel(ctx)
	p.wake = make(chan struct{}, 1)
	p.stop = make(chan struct{})
	p.mu.Unlock()

	if err := p.recoverStaleJobs(ctx); err != nil {
		log.Warnf("Stale job recovery failed: %v", err)
	}

	go p.loop(p.baseCtx)
	log.Info("Job processor started")
}

// StopProcessing stops the loop and drops tracking of in-flight executions.
// Network calls already in flight may still complete; their jobs stay
// persisted as running and are reset by stale recovery on the next start.
func (p *Processor) StopProcessing() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	close(p.stop)
	p.cancelAll()
	for id, rj := range p.running {
		rj.cancel()
		delete(p.running, id)
	}
	p.accountRunning = make(map[string]int)
	p.mu.Unlock()
	log.Info("Job processor stopped")
}

// signal wakes the loop. The channel buffers a single signal; bursts
// collapse because the loop only needs to know that something changed.
func (p *Processor) signal() {
	p.mu.Lock()
	wake := p.wake
	started := p.started
	p.mu.Unlock()
	if !started || wake == nil {
		return
	}
	select {
	case wake <- struct{}{}:
	default:
	}
}

func (p *Processor) loop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		p.maybeCleanup(ctx)
		p.pickUpJobs(ctx)

		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-p.wake:
		case <-ticker.C:
		}
	}
}

// pickUpJobs runs one dispatch pass: it considers pending and retryable
// jobs in (priority desc, createdAt asc) order and starts them on free
// accounts until the global slot budget is spent.
func (p *Processor) pickUpJobs(ctx context.Context) {
	p.mu.Lock()
	free := maxConcurrentGlobal - len(p.running)
	runningIDs := make(map[int64]bool, len(p.running))
	for id := range p.running {
		runningIDs[id] = true
	}
	accountCounts := make(map[string]int, len(p.accountRunning))
	for id, n := range p.accountRunning {
		accountCounts[id] = n
	}
	p.mu.Unlock()

	if free <= 0 {
		return
	}

	now := time.Now()
	pending, err := p.jobs.FetchPending(ctx, free*4)
	if err != nil {
		log.Errorf("Failed to fetch pending jobs: %v", err)
		return
	}
	retryable, err := p.jobs.FetchRetryable(ctx, now)
	if err != nil {
		log.Errorf("Failed to fetch retryable jobs: %v", err)
		return
	}

	seen := make(map[int64]bool, len(pending)+len(retryable))
	candidates := make([]models.Job, 0, len(pending)+len(retryable))
	for _, job := range append(pending, retryable...) {
		if seen[job.ID] || runningIDs[job.ID] {
			continue
		}
		seen[job.ID] = true
		candidates = append(candidates, job)
	}

	// Active accounts are fetched at most once per provider per pass.
	accountsByProvider := make(map[string][]models.Account)
	started := 0

	for i := range candidates {
		if started >= free {
			break
		}
		job := candidates[i]

		accounts, ok := accountsByProvider[job.Provider]
		if !ok {
			fetched, err := p.accounts.FetchActive(ctx, job.Provider)
			if err != nil {
				log.Errorf("Failed to fetch accounts for provider %s: %v", job.Provider, err)
				continue
			}
			accounts = accounts[:0]
			for _, account := range fetched {
				if account.IsSelectable(now) {
					accounts = append(accounts, account)
				}
			}
			accountsByProvider[job.Provider] = accounts
		}

		var freeAccounts []models.Account
		for _, account := range accounts {
			if accountCounts[account.ID] < maxConcurrentPerAccount {
				freeAccounts = append(freeAccounts, account)
			}
		}
		if len(freeAccounts) == 0 {
			continue
		}

		picked, err := p.picker.Pick(ctx, job.Provider, freeAccounts)
		if err != nil {
			continue
		}

		if err := p.startJob(ctx, &job, picked); err != nil {
			log.Errorf("Failed to start job %d: %v", job.ID, err)
			continue
		}
		accountCounts[picked.ID]++
		started++
	}
}

func (p *Processor) startJob(ctx context.Context, job *models.Job, account *models.Account) error {
	now := time.Now()
	job.AccountID = &account.ID
	job.Status = models.JobStatusRunning
	job.StartedAt = &now
	job.NextRetryAt = nil
	job.ErrorMessage = nil

	if err := p.jobs.Update(ctx, job); err != nil {
		return err
	}

	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return errors.New("processor stopped during dispatch")
	}
	jobCtx, cancel := context.WithCancel(p.baseCtx)
	p.running[job.ID] = &runningJob{accountID: account.ID, cancel: cancel}
	p.accountRunning[account.ID]++
	p.mu.Unlock()

	log.Infof("Dispatching job %d (type: %s, provider: %s, account: %s)", job.ID, job.JobType, job.Provider, account.ID)

	jobCopy := *job
	go func() {
		err := p.runJob(jobCtx, &jobCopy)
		p.finishJob(context.Background(), &jobCopy, err)
	}()
	return nil
}

// finishJob moves the job out of the bookkeeping and persists its outcome.
// If the job is no longer tracked (cancelled or processor stopped), the
// authoritative state was already written elsewhere and nothing happens.
func (p *Processor) finishJob(ctx context.Context, job *models.Job, runErr error) {
	p.mu.Lock()
	rj, tracked := p.running[job.ID]
	if tracked {
		delete(p.running, job.ID)
		p.decAccountLocked(rj.accountID)
	}
	p.mu.Unlock()

	if !tracked {
		return
	}

	if runErr == nil {
		now := time.Now()
		job.Status = models.JobStatusCompleted
		job.CompletedAt = &now
		job.ErrorMessage = nil
		job.NextRetryAt = nil
		if err := p.jobs.Update(ctx, job); err != nil {
			log.Errorf("Failed to mark job %d completed: %v", job.ID, err)
		} else {
			log.Infof("Job %d completed", job.ID)
		}
	} else {
		p.handleJobError(ctx, job, runErr)
	}

	p.signal()
}

func (p *Processor) decAccountLocked(accountID string) {
	if n := p.accountRunning[accountID]; n <= 1 {
		delete(p.accountRunning, accountID)
	} else {
		p.accountRunning[accountID] = n - 1
	}
}

// CancelJob cancels the in-memory task if running and marks the job
// cancelled. Safe to call twice; the second call finds nothing to do.
func (p *Processor) CancelJob(ctx context.Context, id int64) error {
	p.mu.Lock()
	if rj, ok := p.running[id]; ok {
		rj.cancel()
		delete(p.running, id)
		p.decAccountLocked(rj.accountID)
	}
	p.mu.Unlock()

	job, err := p.jobs.FetchByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return err
	}
	if job.IsTerminal() {
		return nil
	}

	now := time.Now()
	job.Status = models.JobStatusCancelled
	job.CompletedAt = &now
	if err := p.jobs.Update(ctx, job); err != nil {
		return err
	}
	log.Infof("Job %d cancelled", id)
	p.signal()
	return nil
}

// CancelAllForDocument cancels every running and pending job of a document.
func (p *Processor) CancelAllForDocument(ctx context.Context, documentID int64) error {
	jobs, err := p.jobs.FetchForDocument(ctx, documentID)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if job.Status == models.JobStatusRunning {
			if err := p.CancelJob(ctx, job.ID); err != nil {
				log.Warnf("Failed to cancel job %d: %v", job.ID, err)
			}
		}
	}
	if err := p.jobs.CancelForDocument(ctx, documentID); err != nil {
		return err
	}
	p.signal()
	return nil
}

// AccountsChanged makes deferred jobs of a provider immediately eligible
// again, e.g. after an account was added or unpaused.
func (p *Processor) AccountsChanged(ctx context.Context, provider string) error {
	if err := p.jobs.ClearDeferredRetry(ctx, provider); err != nil {
		return err
	}
	p.signal()
	return nil
}

// recoverStaleJobs resets jobs left running by a crash. Anything running
// for longer than the stale window goes back to pending.
func (p *Processor) recoverStaleJobs(ctx context.Context) error {
	active, err := p.jobs.FetchActive(ctx)
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-staleRunningWindow)
	for i := range active {
		job := active[i]
		if job.StartedAt == nil || !job.StartedAt.Before(cutoff) {
			continue
		}
		startedAt := *job.StartedAt
		job.Status = models.JobStatusPending
		job.StartedAt = nil
		job.AccountID = nil
		if err := p.jobs.Update(ctx, &job); err != nil {
			log.Errorf("Failed to recover stale job %d: %v", job.ID, err)
			continue
		}
		log.Warnf("Recovered stale job %d (started %s)", job.ID, startedAt)
	}
	return nil
}

// maybeCleanup purges old terminal jobs at most once per cleanup interval.
func (p *Processor) maybeCleanup(ctx context.Context) {
	p.mu.Lock()
	due := time.Since(p.lastCleanup) >= cleanupInterval
	if due {
		p.lastCleanup = time.Now()
	}
	p.mu.Unlock()
	if !due {
		return
	}

	deleted, err := p.jobs.DeleteCompleted(ctx, time.Now().Add(-cleanupRetention))
	if err != nil {
		log.Errorf("Job cleanup failed: %v", err)
		return
	}
	if deleted > 0 {
		log.Infof("Cleaned up %d old jobs", deleted)
	}
}

// QueueStatus is a snapshot of the queue for display.
type QueueStatus struct {
	Processing        bool
	RunningJobs       int
	PendingJobs       int64
	RecentFailures    []models.Job
	RecentCompletions []models.Job
}

// Status reports the current queue state.
func (p *Processor) Status(ctx context.Context) (*QueueStatus, error) {
	p.mu.Lock()
	status := &QueueStatus{
		Processing:  p.started,
		RunningJobs: len(p.running),
	}
	p.mu.Unlock()

	pending, err := p.jobs.CountByStatus(ctx, models.JobStatusPending)
	if err != nil {
		return nil, err
	}
	status.PendingJobs = pending

	if status.RecentFailures, err = p.jobs.FetchRecentTerminal(ctx, models.JobStatusFailed, recentJobsLimit); err != nil {
		return nil, err
	}
	if status.RecentCompletions, err = p.jobs.FetchRecentTerminal(ctx, models.JobStatusCompleted, recentJobsLimit); err != nil {
		return nil, err
	}
	return status, nil
}

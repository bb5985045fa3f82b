package engine

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hidocu/llm-engine/internal/models"
	"github.com/hidocu/llm-engine/internal/provider"
	"github.com/hidocu/llm-engine/internal/repository"
)

const (
	allPausedRetryBuffer = 5 * time.Second
	allPausedFallback    = 5 * time.Minute

	backoffBase = 30 * time.Second
	backoffCap  = 300 * time.Second
)

type errorClass int

const (
	// classNotReached: the provider never saw the request (network, auth,
	// no account available). Never counts as an attempt.
	classNotReached errorClass = iota
	// classRateLimited and classReached: the provider rejected the
	// request, so the attempt counts.
	classRateLimited
	classReached
	classLocalData
	classCancelled
)

// localDataError marks failures retrying cannot fix, e.g. an undecodable
// payload or a missing linked record.
type localDataError struct {
	err error
}

func (e *localDataError) Error() string { return e.err.Error() }
func (e *localDataError) Unwrap() error { return e.err }

func classify(err error) errorClass {
	if errors.Is(err, context.Canceled) {
		return classCancelled
	}
	var rateLimited *provider.RateLimitError
	if errors.As(err, &rateLimited) {
		return classRateLimited
	}
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		return classReached
	}
	var invalid *provider.InvalidResponseError
	if errors.As(err, &invalid) {
		return classReached
	}
	var local *localDataError
	if errors.As(err, &local) || errors.Is(err, repository.ErrNotFound) {
		return classLocalData
	}
	return classNotReached
}

// handleJobError applies the retry state machine and persists the result.
func (p *Processor) handleJobError(ctx context.Context, job *models.Job, jobErr error) {
	now := time.Now()
	message := jobErr.Error()
	job.ErrorMessage = &message

	switch classify(jobErr) {
	case classCancelled:
		job.Status = models.JobStatusCancelled
		job.CompletedAt = &now
		log.Infof("Job %d cancelled during execution", job.ID)

	case classLocalData:
		p.failJob(ctx, job, now)
		log.Errorf("Job %d failed permanently on local data error: %v", job.ID, jobErr)

	case classRateLimited:
		job.AttemptCount++
		var rateLimited *provider.RateLimitError
		errors.As(jobErr, &rateLimited)
		if job.AccountID != nil {
			if err := p.quota.RecordRateLimit(ctx, *job.AccountID, job.Provider, rateLimited.RetryAfter); err != nil {
				log.Warnf("Failed to record rate limit for account %s: %v", *job.AccountID, err)
			}
		}
		if job.AttemptCount >= job.MaxAttempts {
			p.failJob(ctx, job, now)
			log.Errorf("Job %d failed permanently after %d rate-limited attempts", job.ID, job.AttemptCount)
			break
		}
		p.scheduleRateLimitedRetry(ctx, job, now)

	case classReached:
		job.AttemptCount++
		if job.AttemptCount >= job.MaxAttempts {
			p.failJob(ctx, job, now)
			log.Errorf("Job %d failed permanently after %d attempts: %v", job.ID, job.AttemptCount, jobErr)
			break
		}
		retryAt := now.Add(attemptBackoff(job.AttemptCount))
		job.Status = models.JobStatusPending
		job.AccountID = nil
		job.NextRetryAt = &retryAt
		log.Warnf("Job %d attempt %d/%d failed, retrying at %s: %v", job.ID, job.AttemptCount, job.MaxAttempts, retryAt, jobErr)

	default: // classNotReached
		job.NetworkFailures++
		retryAt := now.Add(networkBackoff(job.NetworkFailures))
		job.Status = models.JobStatusPending
		job.AccountID = nil
		job.NextRetryAt = &retryAt
		log.Warnf("Job %d did not reach provider (failure %d), retrying at %s: %v", job.ID, job.NetworkFailures, retryAt, jobErr)
	}

	if err := p.jobs.Update(ctx, job); err != nil {
		log.Errorf("Failed to persist job %d after error: %v", job.ID, err)
	}
}

// scheduleRateLimitedRetry either fails the job over to another account
// immediately or defers it to when the earliest pause lifts.
func (p *Processor) scheduleRateLimitedRetry(ctx context.Context, job *models.Job, now time.Time) {
	job.Status = models.JobStatusPending

	active, err := p.accounts.FetchActive(ctx, job.Provider)
	if err != nil {
		log.Warnf("Failed to fetch accounts during rate-limit handling: %v", err)
		active = nil
	}

	hasOther := false
	for _, account := range active {
		if !account.IsSelectable(now) {
			continue
		}
		if job.AccountID != nil && account.ID == *job.AccountID {
			continue
		}
		hasOther = true
		break
	}

	job.AccountID = nil
	if hasOther {
		// Another account can take the job right away.
		job.NextRetryAt = &now
		log.Infof("Job %d failing over to another %s account", job.ID, job.Provider)
		return
	}

	all, err := p.accounts.FetchAll(ctx, job.Provider)
	if err != nil {
		log.Warnf("Failed to fetch accounts for pause lookup: %v", err)
	}
	var earliest time.Time
	for _, account := range all {
		if account.PausedUntil == nil || !account.PausedUntil.After(now) {
			continue
		}
		if earliest.IsZero() || account.PausedUntil.Before(earliest) {
			earliest = *account.PausedUntil
		}
	}

	var retryAt time.Time
	if !earliest.IsZero() {
		retryAt = earliest.Add(allPausedRetryBuffer)
	} else {
		retryAt = now.Add(allPausedFallback)
	}
	job.NextRetryAt = &retryAt
	log.Infof("Job %d deferred until %s, all %s accounts paused", job.ID, retryAt, job.Provider)
}

// failJob transitions the job to failed and marks dependent records so
// downstream auto-enqueue logic treats the work as absent.
func (p *Processor) failJob(ctx context.Context, job *models.Job, now time.Time) {
	job.Status = models.JobStatusFailed
	job.CompletedAt = &now

	if job.JobType == models.JobTypeTranscription {
		if payload, err := models.DecodeTranscriptionPayload(job.Payload); err == nil {
			if err := p.documents.MarkTranscriptFailed(ctx, payload.TranscriptID); err != nil {
				log.Warnf("Failed to mark transcript %d failed: %v", payload.TranscriptID, err)
			}
		}
	}
}

// attemptBackoff is the provider-rejection schedule: 30s doubling, capped.
func attemptBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := backoffBase << (attempt - 1)
	if delay > backoffCap || delay <= 0 {
		delay = backoffCap
	}
	return delay
}

// networkBackoff escalates 30s, 60s, 120s, then stays at 300s.
func networkBackoff(failures int) time.Duration {
	steps := []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second, 300 * time.Second}
	if failures < 1 {
		failures = 1
	}
	if failures > len(steps) {
		failures = len(steps)
	}
	return steps[failures-1]
}

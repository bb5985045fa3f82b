package engine

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hidocu/llm-engine/internal/models"
)

// EnqueueTranscription persists a pending transcription job and wakes the loop.
func (p *Processor) EnqueueTranscription(ctx context.Context, documentID, sourceID, transcriptID int64, providerName, model string, audioPaths []string, priority int) (*models.Job, error) {
	payload := models.TranscriptionPayload{
		DocumentID:   documentID,
		SourceID:     sourceID,
		TranscriptID: transcriptID,
		AudioPaths:   audioPaths,
	}
	return p.enqueue(ctx, models.JobTypeTranscription, documentID, providerName, model, payload, priority)
}

// EnqueueSummary persists a pending summary job and wakes the loop.
// modelOverride, when non-empty, replaces the model at execution time.
func (p *Processor) EnqueueSummary(ctx context.Context, documentID int64, providerName, model, modelOverride string, priority int) (*models.Job, error) {
	payload := models.SummaryPayload{
		DocumentID:    documentID,
		ModelOverride: modelOverride,
	}
	return p.enqueue(ctx, models.JobTypeSummary, documentID, providerName, model, payload, priority)
}

// EnqueueJudge persists a pending judge job and wakes the loop.
func (p *Processor) EnqueueJudge(ctx context.Context, documentID int64, transcriptIDs []int64, providerName, model string, priority int) (*models.Job, error) {
	payload := models.JudgePayload{
		DocumentID:    documentID,
		TranscriptIDs: transcriptIDs,
	}
	return p.enqueue(ctx, models.JobTypeJudge, documentID, providerName, model, payload, priority)
}

// enqueue persists the job and signals the loop; it never blocks on
// execution.
func (p *Processor) enqueue(ctx context.Context, jobType string, documentID int64, providerName, model string, payload any, priority int) (*models.Job, error) {
	data, err := models.EncodePayload(payload)
	if err != nil {
		return nil, err
	}

	job := &models.Job{
		JobType:     jobType,
		Status:      models.JobStatusPending,
		Priority:    priority,
		Provider:    providerName,
		Model:       model,
		DocumentID:  documentID,
		Payload:     data,
		MaxAttempts: models.DefaultMaxAttempts,
		CreatedAt:   time.Now(),
	}
	if err := p.jobs.Insert(ctx, job); err != nil {
		return nil, err
	}

	log.Infof("Enqueued %s job %d for document %d (provider: %s, priority: %d)", jobType, job.ID, documentID, providerName, priority)
	p.signal()
	return job, nil
}

// HasPendingSummaryJob reports whether a summary job is queued or running
// for the document.
func (p *Processor) HasPendingSummaryJob(ctx context.Context, documentID int64) (bool, error) {
	return p.jobs.HasPendingJob(ctx, documentID, models.JobTypeSummary)
}

// HasPendingBodyJob reports whether a job that will rewrite the document
// body (transcription or judge) is queued or running.
func (p *Processor) HasPendingBodyJob(ctx context.Context, documentID int64) (bool, error) {
	return p.jobs.HasPendingJob(ctx, documentID, models.JobTypeTranscription, models.JobTypeJudge)
}

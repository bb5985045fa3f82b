package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/hidocu/llm-engine/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

type JobRepository struct {
	db *gorm.DB
}

func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Insert persists a new job and assigns its id.
func (r *JobRepository) Insert(ctx context.Context, job *models.Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// Update persists all mutable fields of the job.
func (r *JobRepository) Update(ctx context.Context, job *models.Job) error {
	result := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ?", job.ID).
		Updates(map[string]interface{}{
			"status":           job.Status,
			"account_id":       job.AccountID,
			"attempt_count":    job.AttemptCount,
			"network_failures": job.NetworkFailures,
			"next_retry_at":    job.NextRetryAt,
			"error_message":    job.ErrorMessage,
			"started_at":       job.StartedAt,
			"completed_at":     job.CompletedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update job %d: %w", job.ID, result.Error)
	}
	return nil
}

// FetchByID retrieves a job by id.
func (r *JobRepository) FetchByID(ctx context.Context, id int64) (*models.Job, error) {
	var job models.Job
	result := r.db.WithContext(ctx).First(&job, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch job %d: %w", id, result.Error)
	}
	return &job, nil
}

// FetchPending retrieves pending jobs with no scheduled retry,
// highest priority first, oldest first within a priority.
func (r *JobRepository) FetchPending(ctx context.Context, limit int) ([]models.Job, error) {
	var jobs []models.Job
	result := r.db.WithContext(ctx).
		Where("status = ? AND next_retry_at IS NULL", models.JobStatusPending).
		Order("priority DESC, created_at ASC").
		Limit(limit).
		Find(&jobs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to fetch pending jobs: %w", result.Error)
	}
	return jobs, nil
}

// FetchRetryable retrieves pending jobs whose retry time has passed.
func (r *JobRepository) FetchRetryable(ctx context.Context, now time.Time) ([]models.Job, error) {
	var jobs []models.Job
	result := r.db.WithContext(ctx).
		Where("status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?", models.JobStatusPending, now).
		Order("priority DESC, created_at ASC").
		Find(&jobs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to fetch retryable jobs: %w", result.Error)
	}
	return jobs, nil
}

// FetchActive retrieves jobs persisted as running (crash recovery).
func (r *JobRepository) FetchActive(ctx context.Context) ([]models.Job, error) {
	var jobs []models.Job
	result := r.db.WithContext(ctx).
		Where("status = ?", models.JobStatusRunning).
		Find(&jobs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to fetch active jobs: %w", result.Error)
	}
	return jobs, nil
}

// FetchForDocument retrieves every job linked to a document.
func (r *JobRepository) FetchForDocument(ctx context.Context, documentID int64) ([]models.Job, error) {
	var jobs []models.Job
	result := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("created_at ASC").
		Find(&jobs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to fetch jobs for document %d: %w", documentID, result.Error)
	}
	return jobs, nil
}

// CancelForDocument bulk-cancels all still-pending jobs of a document.
func (r *JobRepository) CancelForDocument(ctx context.Context, documentID int64) error {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("document_id = ? AND status = ?", documentID, models.JobStatusPending).
		Updates(map[string]interface{}{
			"status":       models.JobStatusCancelled,
			"completed_at": now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to cancel jobs for document %d: %w", documentID, result.Error)
	}
	return nil
}

// DeleteCompleted purges terminal jobs older than the cutoff.
func (r *JobRepository) DeleteCompleted(ctx context.Context, olderThan time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status IN ? AND completed_at < ?",
			[]string{models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled},
			olderThan).
		Delete(&models.Job{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete completed jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// ClearDeferredRetry makes deferred jobs of a provider immediately eligible,
// used when an account for that provider is added or unpaused.
func (r *JobRepository) ClearDeferredRetry(ctx context.Context, provider string) error {
	result := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("provider = ? AND status = ? AND next_retry_at IS NOT NULL", provider, models.JobStatusPending).
		Update("next_retry_at", nil)
	if result.Error != nil {
		return fmt.Errorf("failed to clear deferred retries for provider %s: %w", provider, result.Error)
	}
	return nil
}

// HasPendingJob reports whether a non-terminal job of any of the given
// types exists for the document.
func (r *JobRepository) HasPendingJob(ctx context.Context, documentID int64, jobTypes ...string) (bool, error) {
	var count int64
	result := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("document_id = ? AND job_type IN ? AND status IN ?",
			documentID, jobTypes,
			[]string{models.JobStatusPending, models.JobStatusRunning}).
		Count(&count)
	if result.Error != nil {
		return false, fmt.Errorf("failed to count pending jobs for document %d: %w", documentID, result.Error)
	}
	return count > 0, nil
}

// CountByStatus returns the number of jobs in the given status.
func (r *JobRepository) CountByStatus(ctx context.Context, status string) (int64, error) {
	var count int64
	result := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("status = ?", status).
		Count(&count)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to count jobs by status: %w", result.Error)
	}
	return count, nil
}

// FetchRecentTerminal retrieves recently finished jobs in the given status.
func (r *JobRepository) FetchRecentTerminal(ctx context.Context, status string, limit int) ([]models.Job, error) {
	var jobs []models.Job
	result := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("completed_at DESC").
		Limit(limit).
		Find(&jobs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to fetch recent %s jobs: %w", status, result.Error)
	}
	return jobs, nil
}

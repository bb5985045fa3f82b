package models

import "time"

// Job status constants
const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

// Job type constants
const (
	JobTypeTranscription = "transcription"
	JobTypeSummary       = "summary"
	JobTypeJudge         = "judge"
)

// Job priority constants
const (
	JobPriorityHigh   = 10
	JobPriorityNormal = 5
	JobPriorityLow    = 0
)

// DefaultMaxAttempts is the number of provider-reached failures a job survives.
const DefaultMaxAttempts = 3

// Job represents a persisted unit of deferred LLM work.
// A retried job is stored as pending with next_retry_at populated;
// there is no separate retry status.
type Job struct {
	ID              int64      `gorm:"column:id;primaryKey;autoIncrement"`
	JobType         string     `gorm:"column:job_type"`
	Status          string     `gorm:"column:status;index"`
	Priority        int        `gorm:"column:priority"`
	Provider        string     `gorm:"column:provider"`
	Model           string     `gorm:"column:model"`
	AccountID       *string    `gorm:"column:account_id"`
	DocumentID      int64      `gorm:"column:document_id;index"`
	Payload         []byte     `gorm:"column:payload"`
	AttemptCount    int        `gorm:"column:attempt_count"`
	MaxAttempts     int        `gorm:"column:max_attempts"`
	NetworkFailures int        `gorm:"column:network_failures"`
	NextRetryAt     *time.Time `gorm:"column:next_retry_at"`
	ErrorMessage    *string    `gorm:"column:error_message"`
	CreatedAt       time.Time  `gorm:"column:created_at"`
	StartedAt       *time.Time `gorm:"column:started_at"`
	CompletedAt     *time.Time `gorm:"column:completed_at"`
}

// TableName specifies the table name for GORM
func (Job) TableName() string {
	return "jobs"
}

// IsTerminal reports whether the job reached a final state.
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

package models

import "time"

// Transcript status constants
const (
	TranscriptStatusPending = "pending"
	TranscriptStatusReady   = "ready"
	TranscriptStatusFailed  = "failed"
)

// Document is a note whose body and summary the engine writes into.
type Document struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Title       string    `gorm:"column:title"`
	Body        string    `gorm:"column:body"`
	SummaryText *string   `gorm:"column:summary_text"`
	CreatedAt   time.Time `gorm:"column:created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (Document) TableName() string {
	return "documents"
}

// Source links a recording (or other input) to a document.
type Source struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement"`
	DocumentID  int64     `gorm:"column:document_id;index"`
	SourceType  string    `gorm:"column:source_type"`
	DiskPath    string    `gorm:"column:disk_path"`
	DisplayName string    `gorm:"column:display_name"`
	AddedAt     time.Time `gorm:"column:added_at"`
}

// TableName specifies the table name for GORM
func (Source) TableName() string {
	return "sources"
}

// Transcript is one transcription variant of a source. At most one
// transcript per document is primary.
type Transcript struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement"`
	SourceID   int64     `gorm:"column:source_id;index"`
	DocumentID int64     `gorm:"column:document_id;index"`
	Provider   string    `gorm:"column:provider"`
	Model      string    `gorm:"column:model"`
	FullText   string    `gorm:"column:full_text"`
	Status     string    `gorm:"column:status"`
	IsPrimary  bool      `gorm:"column:is_primary"`
	CreatedAt  time.Time `gorm:"column:created_at"`
	UpdatedAt  time.Time `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (Transcript) TableName() string {
	return "transcripts"
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/hidocu/llm-engine/internal/models"
)

type DocumentRepository struct {
	db *gorm.DB
}

func NewDocumentRepository(db *gorm.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// GetDocument retrieves a document by id.
func (r *DocumentRepository) GetDocument(ctx context.Context, id int64) (*models.Document, error) {
	var doc models.Document
	result := r.db.WithContext(ctx).First(&doc, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document %d: %w", id, result.Error)
	}
	return &doc, nil
}

// UpdateDocumentBody overwrites the document body.
func (r *DocumentRepository) UpdateDocumentBody(ctx context.Context, id int64, body string) error {
	result := r.db.WithContext(ctx).Model(&models.Document{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"body":       body,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update document body %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateDocumentSummary writes generated summary content.
func (r *DocumentRepository) UpdateDocumentSummary(ctx context.Context, id int64, summary string) error {
	result := r.db.WithContext(ctx).Model(&models.Document{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"summary_text": summary,
			"updated_at":   time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update document summary %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTranscript retrieves a transcript by id.
func (r *DocumentRepository) GetTranscript(ctx context.Context, id int64) (*models.Transcript, error) {
	var transcript models.Transcript
	result := r.db.WithContext(ctx).First(&transcript, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get transcript %d: %w", id, result.Error)
	}
	return &transcript, nil
}

// UpdateTranscript writes transcription output and flips the status.
func (r *DocumentRepository) UpdateTranscript(ctx context.Context, id int64, fullText, status string) error {
	result := r.db.WithContext(ctx).Model(&models.Transcript{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"full_text":  fullText,
			"status":     status,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update transcript %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkTranscriptFailed flips a transcript to failed without touching its text.
func (r *DocumentRepository) MarkTranscriptFailed(ctx context.Context, id int64) error {
	result := r.db.WithContext(ctx).Model(&models.Transcript{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     models.TranscriptStatusFailed,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark transcript %d failed: %w", id, result.Error)
	}
	return nil
}

// SetPrimaryTranscript makes the given transcript the document's primary one,
// clearing the flag on its siblings in the same transaction.
func (r *DocumentRepository) SetPrimaryTranscript(ctx context.Context, documentID, transcriptID int64) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Transcript{}).
			Where("document_id = ?", documentID).
			Update("is_primary", false).Error; err != nil {
			return err
		}
		result := tx.Model(&models.Transcript{}).
			Where("id = ? AND document_id = ?", transcriptID, documentID).
			Updates(map[string]interface{}{
				"is_primary": true,
				"updated_at": time.Now(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to set primary transcript %d: %w", transcriptID, err)
	}
	return nil
}

// ListTranscripts retrieves all transcripts of a document.
func (r *DocumentRepository) ListTranscripts(ctx context.Context, documentID int64) ([]models.Transcript, error) {
	var transcripts []models.Transcript
	result := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("created_at ASC").
		Find(&transcripts)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list transcripts for document %d: %w", documentID, result.Error)
	}
	return transcripts, nil
}

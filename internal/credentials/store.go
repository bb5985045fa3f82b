package credentials

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/nacl/secretbox"
	"gorm.io/gorm"

	"github.com/hidocu/llm-engine/internal/models"
)

// ErrNoCredentials is returned when no bundle is stored under a key.
var ErrNoCredentials = errors.New("no stored credentials")

const nonceSize = 24

// Record is one encrypted token bundle at rest.
type Record struct {
	Key        string    `gorm:"column:key;primaryKey"`
	Ciphertext []byte    `gorm:"column:ciphertext"`
	UpdatedAt  time.Time `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (Record) TableName() string {
	return "credentials"
}

// Store persists token bundles encrypted at rest and keeps a decrypted
// in-memory cache so repeated reads skip the database. Created once at
// startup and shared; the cache mutex makes it safe from any goroutine.
type Store struct {
	db  *gorm.DB
	key [32]byte

	mu    sync.Mutex
	cache map[string]*models.TokenBundle
}

func NewStore(db *gorm.DB, key [32]byte) *Store {
	return &Store{
		db:    db,
		key:   key,
		cache: make(map[string]*models.TokenBundle),
	}
}

// SaveToken replaces the bundle stored under key. The old bundle is
// discarded whole; there are no partial updates.
func (s *Store) SaveToken(ctx context.Context, key string, bundle *models.TokenBundle) error {
	ciphertext, err := encryptBundle(bundle, &s.key)
	if err != nil {
		return err
	}

	record := Record{Key: key, Ciphertext: ciphertext, UpdatedAt: time.Now()}
	err = s.db.WithContext(ctx).
		Where("key = ?", key).
		Assign(map[string]interface{}{
			"ciphertext": record.Ciphertext,
			"updated_at": record.UpdatedAt,
		}).
		FirstOrCreate(&Record{}).Error
	if err != nil {
		return fmt.Errorf("failed to save credentials for %s: %w", key, err)
	}

	s.mu.Lock()
	s.cache[key] = cloneBundle(bundle)
	s.mu.Unlock()
	return nil
}

// LoadToken returns the bundle stored under key, from cache when possible.
func (s *Store) LoadToken(ctx context.Context, key string) (*models.TokenBundle, error) {
	s.mu.Lock()
	if cached, ok := s.cache[key]; ok {
		s.mu.Unlock()
		return cloneBundle(cached), nil
	}
	s.mu.Unlock()

	var record Record
	err := s.db.WithContext(ctx).First(&record, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials for %s: %w", key, err)
	}

	bundle, err := decryptBundle(record.Ciphertext, &s.key)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[key] = cloneBundle(bundle)
	s.mu.Unlock()
	return bundle, nil
}

// DeleteToken removes the stored bundle and its cache entry.
func (s *Store) DeleteToken(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Delete(&Record{}, "key = ?", key).Error; err != nil {
		return fmt.Errorf("failed to delete credentials for %s: %w", key, err)
	}
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()
	return nil
}

func encryptBundle(bundle *models.TokenBundle, key *[32]byte) ([]byte, error) {
	plaintext, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("failed to encode token bundle: %w", err)
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	// Nonce is prepended so decrypt needs no extra bookkeeping.
	return secretbox.Seal(nonce[:], plaintext, &nonce, key), nil
}

func decryptBundle(ciphertext []byte, key *[32]byte) (*models.TokenBundle, error) {
	if len(ciphertext) < nonceSize {
		return nil, errors.New("credential ciphertext too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[:nonceSize])
	plaintext, ok := secretbox.Open(nil, ciphertext[nonceSize:], &nonce, key)
	if !ok {
		return nil, errors.New("failed to decrypt credentials")
	}
	var bundle models.TokenBundle
	if err := json.Unmarshal(plaintext, &bundle); err != nil {
		return nil, fmt.Errorf("failed to decode token bundle: %w", err)
	}
	return &bundle, nil
}

func cloneBundle(bundle *models.TokenBundle) *models.TokenBundle {
	if bundle == nil {
		return nil
	}
	clone := *bundle
	if bundle.Metadata != nil {
		clone.Metadata = make(map[string]string, len(bundle.Metadata))
		for k, v := range bundle.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

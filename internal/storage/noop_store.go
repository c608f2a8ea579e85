package storage

import (
	"context"

	"github.com/1broseidon/wxhistory/pkg/models"
)

// NoOpStore is a backend that doesn't persist any data. History lives in
// memory only and is lost on restart.
type NoOpStore struct{}

// NewNoOpStore creates a new no-op storage backend
func NewNoOpStore() *NoOpStore {
	return &NoOpStore{}
}

// Load always returns an empty history
func (n *NoOpStore) Load(ctx context.Context) ([]models.QueryRecord, error) {
	return nil, nil
}

// LoadBackup returns ErrNoBackup
func (n *NoOpStore) LoadBackup(ctx context.Context) ([]models.QueryRecord, error) {
	return nil, ErrNoBackup
}

// Save does nothing
func (n *NoOpStore) Save(ctx context.Context, records []models.QueryRecord) error {
	return nil
}

// Close does nothing
func (n *NoOpStore) Close() error {
	return nil
}

// Capabilities returns the capabilities of the no-op storage backend
func (n *NoOpStore) Capabilities() BackendCapabilities {
	return BackendCapabilities{
		Name:          "none",
		Durable:       false,
		Backup:        false,
		Transactional: false,
	}
}

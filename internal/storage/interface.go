package storage

import (
	"context"

	"github.com/1broseidon/wxhistory/pkg/models"
)

// Backend persists whole snapshots of the query history. Every backend keeps
// the previous good snapshot as a backup when saving a new one.
type Backend interface {
	// Load returns the current snapshot. A backend with nothing saved yet
	// returns no records and no error.
	Load(ctx context.Context) ([]models.QueryRecord, error)

	// LoadBackup returns the previous good snapshot, or ErrNoBackup
	LoadBackup(ctx context.Context) ([]models.QueryRecord, error)

	// Save atomically replaces the current snapshot
	Save(ctx context.Context, records []models.QueryRecord) error

	// Lifecycle
	Close() error

	// Capabilities reporting
	Capabilities() BackendCapabilities
}

// BackendCapabilities describes what features a storage backend supports
type BackendCapabilities struct {
	Name          string
	Durable       bool
	Backup        bool
	Transactional bool
}

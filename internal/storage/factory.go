package storage

import (
	"context"
	"fmt"

	"github.com/spf13/afero"

	"github.com/1broseidon/wxhistory/internal/config"
	"github.com/1broseidon/wxhistory/internal/logging"
)

// BackendType represents the type of storage backend
type BackendType string

const (
	// BackendNone keeps history in memory only
	BackendNone BackendType = "none"
	// BackendFile writes a JSON snapshot file
	BackendFile BackendType = "file"
	// BackendBadger uses BadgerDB for embedded storage
	BackendBadger BackendType = "badger"
	// BackendSQLite uses an embedded SQLite database
	BackendSQLite BackendType = "sqlite"
	// BackendPostgres uses PostgreSQL for persistent storage
	BackendPostgres BackendType = "postgres"
)

// NewBackend creates a storage backend based on configuration. fs is only
// used by the file backend; nil means the OS filesystem.
func NewBackend(ctx context.Context, cfg *config.HistoryConfig, fs afero.Fs, logger *logging.Logger) (Backend, error) {
	if cfg == nil {
		return nil, fmt.Errorf("history config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	backendType := BackendType(cfg.Backend)
	if backendType == "" {
		backendType = BackendFile
	}

	switch backendType {
	case BackendNone:
		logger.WithComponent(logging.ComponentStorage).Info("Using NoOp storage - history is kept in memory only")
		return NewNoOpStore(), nil

	case BackendFile:
		return NewFileStore(fs, cfg.Path, logger)

	case BackendBadger:
		return NewBadgerStore(cfg.Badger.Path, logger)

	case BackendSQLite:
		return NewSQLiteStore(cfg.SQLite.Path, logger)

	case BackendPostgres:
		return NewPostgresStore(ctx, cfg.Postgres.ConnString(), logger)

	default:
		return nil, fmt.Errorf("unknown storage backend: %s (valid options: none, file, badger, sqlite, postgres)", cfg.Backend)
	}
}

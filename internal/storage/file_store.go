package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/1broseidon/wxhistory/internal/logging"
	"github.com/1broseidon/wxhistory/pkg/models"
)

const backupSuffix = ".bak"

// FileStore keeps the history snapshot in a JSON document on an afero
// filesystem. Saves go through a temp file and a rename so a reader never
// sees a partially written document.
type FileStore struct {
	fs     afero.Fs
	path   string
	logger *logging.Logger
	now    func() time.Time
}

// NewFileStore creates a file-backed snapshot store at path
func NewFileStore(fs afero.Fs, path string, logger *logging.Logger) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("history path cannot be empty")
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}

	if dir := filepath.Dir(path); dir != "." {
		if exists, _ := afero.DirExists(fs, dir); !exists {
			if err := fs.MkdirAll(dir, 0o755); err != nil {
				return nil, NewPersistenceError("file", "init", err)
			}
		}
	}

	logger.WithComponent(logging.ComponentStorage).
		WithFields(map[string]interface{}{"path": path}).
		Info("File history storage initialized")

	return &FileStore{fs: fs, path: path, logger: logger, now: time.Now}, nil
}

// Path returns the location of the current snapshot
func (s *FileStore) Path() string {
	return s.path
}

// BackupPath returns the location of the backup snapshot
func (s *FileStore) BackupPath() string {
	return s.path + backupSuffix
}

// Load reads the current snapshot. A missing file yields an empty history.
func (s *FileStore) Load(ctx context.Context) ([]models.QueryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewPersistenceError("file", "load", err)
	}

	data, err := afero.ReadFile(s.fs, s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, NewPersistenceError("file", "load", err)
	}

	return DecodeSnapshot(data, s.path)
}

// LoadBackup reads the backup snapshot
func (s *FileStore) LoadBackup(ctx context.Context) ([]models.QueryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewPersistenceError("file", "load backup", err)
	}

	data, err := afero.ReadFile(s.fs, s.BackupPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoBackup
	}
	if err != nil {
		return nil, NewPersistenceError("file", "load backup", err)
	}

	return DecodeSnapshot(data, s.BackupPath())
}

// Save writes records to a temp file and renames it over the current
// snapshot. A current snapshot that still decodes is kept as the backup
// first; a corrupt one never replaces a good backup.
func (s *FileStore) Save(ctx context.Context, records []models.QueryRecord) error {
	if err := ctx.Err(); err != nil {
		return NewPersistenceError("file", "save", err)
	}

	data, err := EncodeSnapshot(records, s.now())
	if err != nil {
		return NewPersistenceError("file", "save", err)
	}

	if err := s.rotateBackup(); err != nil {
		s.logger.WithComponent(logging.ComponentStorage).
			WithError(err).
			Warn("Failed to refresh history backup")
	}

	if err := WriteFileAtomic(s.fs, s.path, data); err != nil {
		return NewPersistenceError("file", "save", err)
	}
	return nil
}

func (s *FileStore) rotateBackup() error {
	current, err := afero.ReadFile(s.fs, s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	if _, err := DecodeSnapshot(current, s.path); err != nil {
		return err
	}

	return WriteFileAtomic(s.fs, s.BackupPath(), current)
}

// Close does nothing; files are not held open between calls
func (s *FileStore) Close() error {
	return nil
}

// Capabilities returns the capabilities of the file backend
func (s *FileStore) Capabilities() BackendCapabilities {
	return BackendCapabilities{
		Name:          "file",
		Durable:       true,
		Backup:        true,
		Transactional: false,
	}
}

// WriteFileAtomic writes data to a temp file next to path, syncs it and renames
// it into place. Shared by every component that persists through afero.
func WriteFileAtomic(fs afero.Fs, path string, data []byte) error {
	tmp, err := afero.TempFile(fs, filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		fs.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		fs.Remove(tmpName)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		fs.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := fs.Rename(tmpName, path); err != nil {
		fs.Remove(tmpName)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

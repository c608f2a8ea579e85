package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/1broseidon/wxhistory/internal/logging"
	"github.com/1broseidon/wxhistory/pkg/models"
)

const (
	slotCurrent = "current"
	slotBackup  = "backup"
)

// SQLiteStore keeps the history snapshot in an embedded SQLite database, one
// row per slot (current and backup).
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *logging.Logger
	now    func() time.Time
}

// NewSQLiteStore opens (or creates) the database at path. ":memory:" is
// accepted for tests.
func NewSQLiteStore(path string, logger *logging.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, NewPersistenceError("sqlite", "open", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, path: path, logger: logger, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, NewPersistenceError("sqlite", "migrate", err)
	}

	logger.WithComponent(logging.ComponentStorage).
		WithFields(map[string]interface{}{"path": path}).
		Info("SQLite history storage initialized")

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS history_snapshots (
			slot TEXT PRIMARY KEY,
			schema_version INTEGER NOT NULL,
			saved_at TIMESTAMP NOT NULL,
			payload TEXT NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) source(slot string) string {
	return fmt.Sprintf("sqlite:%s#%s", filepath.Base(s.path), slot)
}

func (s *SQLiteStore) loadSlot(ctx context.Context, slot string) ([]byte, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM history_snapshots WHERE slot = ?`, slot).Scan(&payload)
	if err != nil {
		return nil, err
	}
	return []byte(payload), nil
}

// Load reads the current snapshot
func (s *SQLiteStore) Load(ctx context.Context) ([]models.QueryRecord, error) {
	payload, err := s.loadSlot(ctx, slotCurrent)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, NewPersistenceError("sqlite", "load", err)
	}
	return DecodeSnapshot(payload, s.source(slotCurrent))
}

// LoadBackup reads the backup snapshot
func (s *SQLiteStore) LoadBackup(ctx context.Context) ([]models.QueryRecord, error) {
	payload, err := s.loadSlot(ctx, slotBackup)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoBackup
	}
	if err != nil {
		return nil, NewPersistenceError("sqlite", "load backup", err)
	}
	return DecodeSnapshot(payload, s.source(slotBackup))
}

// Save replaces the current snapshot inside a transaction, copying a valid
// previous snapshot into the backup slot.
func (s *SQLiteStore) Save(ctx context.Context, records []models.QueryRecord) error {
	savedAt := models.NormalizeTime(s.now())
	data, err := EncodeSnapshot(records, savedAt)
	if err != nil {
		return NewPersistenceError("sqlite", "save", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return NewPersistenceError("sqlite", "save", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT payload FROM history_snapshots WHERE slot = ?`, slotCurrent).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return NewPersistenceError("sqlite", "save", err)
	default:
		if _, decodeErr := DecodeSnapshot([]byte(current), s.source(slotCurrent)); decodeErr == nil {
			_, err := tx.ExecContext(ctx, `INSERT INTO history_snapshots(slot, schema_version, saved_at, payload)
				SELECT ?, schema_version, saved_at, payload FROM history_snapshots WHERE slot = ?
				ON CONFLICT(slot) DO UPDATE SET schema_version=excluded.schema_version, saved_at=excluded.saved_at, payload=excluded.payload`,
				slotBackup, slotCurrent)
			if err != nil {
				return NewPersistenceError("sqlite", "save", err)
			}
		}
	}

	if err := upsertSlot(ctx, tx, slotCurrent, savedAt, string(data)); err != nil {
		return NewPersistenceError("sqlite", "save", err)
	}

	if err := tx.Commit(); err != nil {
		return NewPersistenceError("sqlite", "save", err)
	}
	return nil
}

func upsertSlot(ctx context.Context, tx *sql.Tx, slot string, savedAt time.Time, payload string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO history_snapshots(slot, schema_version, saved_at, payload)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(slot) DO UPDATE SET schema_version=excluded.schema_version, saved_at=excluded.saved_at, payload=excluded.payload`,
		slot, SchemaVersion, savedAt, payload)
	return err
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	s.logger.WithComponent(logging.ComponentStorage).Info("Closing SQLite")
	return s.db.Close()
}

// Capabilities returns the capabilities of the sqlite backend
func (s *SQLiteStore) Capabilities() BackendCapabilities {
	return BackendCapabilities{
		Name:          "sqlite",
		Durable:       s.path != ":memory:",
		Backup:        true,
		Transactional: true,
	}
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/1broseidon/wxhistory/internal/logging"
	"github.com/1broseidon/wxhistory/pkg/models"
)

// PostgresStore keeps the history snapshot in PostgreSQL, one row per slot
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *logging.Logger
	now    func() time.Time
}

// NewPostgresStore creates a PostgreSQL-backed snapshot store
func NewPostgresStore(ctx context.Context, connString string, logger *logging.Logger) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	// Connection pool settings
	config.MaxConns = 4
	config.MinConns = 1
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, NewPersistenceError("postgres", "connect", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, NewPersistenceError("postgres", "ping", err)
	}

	ps := &PostgresStore{
		pool:   pool,
		logger: logger,
		now:    time.Now,
	}

	if err := ps.initSchema(ctx); err != nil {
		pool.Close()
		return nil, NewPersistenceError("postgres", "migrate", err)
	}

	logger.WithComponent(logging.ComponentStorage).Info("PostgreSQL history storage initialized")
	return ps, nil
}

func (ps *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS wxhistory_snapshots (
		slot VARCHAR(16) PRIMARY KEY,
		schema_version INTEGER NOT NULL,
		saved_at TIMESTAMPTZ NOT NULL,
		payload JSONB NOT NULL
	);
	`

	_, err := ps.pool.Exec(ctx, schema)
	return err
}

func (ps *PostgresStore) loadSlot(ctx context.Context, slot string) ([]byte, error) {
	var payload []byte
	err := ps.pool.QueryRow(ctx, `SELECT payload FROM wxhistory_snapshots WHERE slot = $1`, slot).Scan(&payload)
	return payload, err
}

// Load reads the current snapshot
func (ps *PostgresStore) Load(ctx context.Context) ([]models.QueryRecord, error) {
	payload, err := ps.loadSlot(ctx, slotCurrent)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, NewPersistenceError("postgres", "load", err)
	}
	return DecodeSnapshot(payload, "postgres:wxhistory_snapshots#"+slotCurrent)
}

// LoadBackup reads the backup snapshot
func (ps *PostgresStore) LoadBackup(ctx context.Context) ([]models.QueryRecord, error) {
	payload, err := ps.loadSlot(ctx, slotBackup)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoBackup
	}
	if err != nil {
		return nil, NewPersistenceError("postgres", "load backup", err)
	}
	return DecodeSnapshot(payload, "postgres:wxhistory_snapshots#"+slotBackup)
}

// Save replaces the current snapshot in a transaction. The current row is
// locked while a valid copy of it moves to the backup slot.
func (ps *PostgresStore) Save(ctx context.Context, records []models.QueryRecord) error {
	savedAt := models.NormalizeTime(ps.now())
	data, err := EncodeSnapshot(records, savedAt)
	if err != nil {
		return NewPersistenceError("postgres", "save", err)
	}

	err = pgx.BeginFunc(ctx, ps.pool, func(tx pgx.Tx) error {
		var current []byte
		err := tx.QueryRow(ctx, `SELECT payload FROM wxhistory_snapshots WHERE slot = $1 FOR UPDATE`, slotCurrent).Scan(&current)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return err
		default:
			if _, decodeErr := DecodeSnapshot(current, "postgres:wxhistory_snapshots#"+slotCurrent); decodeErr == nil {
				_, err := tx.Exec(ctx, `
					INSERT INTO wxhistory_snapshots (slot, schema_version, saved_at, payload)
					SELECT $1, schema_version, saved_at, payload FROM wxhistory_snapshots WHERE slot = $2
					ON CONFLICT (slot) DO UPDATE SET
						schema_version = EXCLUDED.schema_version,
						saved_at = EXCLUDED.saved_at,
						payload = EXCLUDED.payload`,
					slotBackup, slotCurrent)
				if err != nil {
					return err
				}
			}
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO wxhistory_snapshots (slot, schema_version, saved_at, payload)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (slot) DO UPDATE SET
				schema_version = EXCLUDED.schema_version,
				saved_at = EXCLUDED.saved_at,
				payload = EXCLUDED.payload`,
			slotCurrent, SchemaVersion, savedAt, string(data))
		return err
	})
	if err != nil {
		return NewPersistenceError("postgres", "save", err)
	}

	return nil
}

// Close closes the connection pool
func (ps *PostgresStore) Close() error {
	ps.logger.WithComponent(logging.ComponentStorage).Info("Closing PostgreSQL connection pool")
	ps.pool.Close()
	return nil
}

// Capabilities returns the capabilities of the PostgreSQL backend
func (ps *PostgresStore) Capabilities() BackendCapabilities {
	return BackendCapabilities{
		Name:          "postgres",
		Durable:       true,
		Backup:        true,
		Transactional: true,
	}
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/1broseidon/wxhistory/internal/logging"
	"github.com/1broseidon/wxhistory/pkg/models"
)

const (
	snapshotKey = "history:snapshot"
	backupKey   = "history:backup"
	gcInterval  = 5 * time.Minute
)

// BadgerStore keeps the history snapshot in an embedded BadgerDB
type BadgerStore struct {
	db     *badger.DB
	path   string
	logger *logging.Logger
	now    func() time.Time

	stopGC    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewBadgerStore opens (or creates) a BadgerDB at path. An empty path opens
// an in-memory database.
func NewBadgerStore(path string, logger *logging.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = &badgerLogger{logger: logger}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, NewPersistenceError("badger", "open", err)
	}

	store := &BadgerStore{
		db:     db,
		path:   path,
		logger: logger,
		now:    time.Now,
		stopGC: make(chan struct{}),
	}

	if path != "" {
		store.wg.Add(1)
		go store.runGC()
	}

	logger.WithComponent(logging.ComponentStorage).
		WithFields(map[string]interface{}{
			"path":     path,
			"inMemory": path == "",
		}).
		Info("BadgerDB history storage initialized")

	return store, nil
}

func (bs *BadgerStore) source(key string) string {
	return fmt.Sprintf("badger:%s/%s", bs.path, key)
}

// Load reads the current snapshot
func (bs *BadgerStore) Load(ctx context.Context) ([]models.QueryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewPersistenceError("badger", "load", err)
	}

	data, err := bs.get(snapshotKey)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, NewPersistenceError("badger", "load", err)
	}

	return DecodeSnapshot(data, bs.source(snapshotKey))
}

// LoadBackup reads the backup snapshot
func (bs *BadgerStore) LoadBackup(ctx context.Context) ([]models.QueryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewPersistenceError("badger", "load backup", err)
	}

	data, err := bs.get(backupKey)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNoBackup
	}
	if err != nil {
		return nil, NewPersistenceError("badger", "load backup", err)
	}

	return DecodeSnapshot(data, bs.source(backupKey))
}

func (bs *BadgerStore) get(key string) ([]byte, error) {
	var value []byte
	err := bs.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	return value, err
}

// Save replaces the snapshot in a single transaction, moving a valid current
// snapshot to the backup key.
func (bs *BadgerStore) Save(ctx context.Context, records []models.QueryRecord) error {
	if err := ctx.Err(); err != nil {
		return NewPersistenceError("badger", "save", err)
	}

	data, err := EncodeSnapshot(records, bs.now())
	if err != nil {
		return NewPersistenceError("badger", "save", err)
	}

	err = bs.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(snapshotKey))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			current, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if _, decodeErr := DecodeSnapshot(current, bs.source(snapshotKey)); decodeErr == nil {
				if err := txn.Set([]byte(backupKey), current); err != nil {
					return err
				}
			} else {
				bs.logger.WithComponent(logging.ComponentStorage).
					WithError(decodeErr).
					Warn("Not backing up corrupt snapshot")
			}
		}

		return txn.Set([]byte(snapshotKey), data)
	})
	if err != nil {
		return NewPersistenceError("badger", "save", err)
	}

	return nil
}

// Close stops garbage collection and closes the database
func (bs *BadgerStore) Close() error {
	var err error
	bs.closeOnce.Do(func() {
		close(bs.stopGC)
		bs.wg.Wait()
		bs.logger.WithComponent(logging.ComponentStorage).Info("Closing BadgerDB")
		err = bs.db.Close()
	})
	return err
}

// Capabilities returns the capabilities of the badger backend
func (bs *BadgerStore) Capabilities() BackendCapabilities {
	return BackendCapabilities{
		Name:          "badger",
		Durable:       bs.path != "",
		Backup:        true,
		Transactional: true,
	}
}

// runGC runs value log garbage collection periodically
func (bs *BadgerStore) runGC() {
	defer bs.wg.Done()

	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-bs.stopGC:
			return
		case <-ticker.C:
			err := bs.db.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				bs.logger.WithComponent(logging.ComponentStorage).
					WithError(err).
					Debug("Garbage collection completed with notice")
			}
		}
	}
}

// badgerLogger adapts our logger to BadgerDB's logger interface
type badgerLogger struct {
	logger *logging.Logger
}

func (bl *badgerLogger) Errorf(format string, args ...interface{}) {
	bl.logger.WithComponent("badger").Errorf(format, args...)
}

func (bl *badgerLogger) Warningf(format string, args ...interface{}) {
	bl.logger.WithComponent("badger").Warnf(format, args...)
}

func (bl *badgerLogger) Infof(format string, args ...interface{}) {
	bl.logger.WithComponent("badger").Debugf(format, args...)
}

func (bl *badgerLogger) Debugf(format string, args ...interface{}) {
	bl.logger.WithComponent("badger").Debugf(format, args...)
}

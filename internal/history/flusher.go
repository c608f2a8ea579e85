package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/1broseidon/wxhistory/internal/logging"
)

// Flusher periodically prunes expired records and persists a dirty store.
// Failed writes are retried on later ticks with exponential backoff.
type Flusher struct {
	store     *Store
	interval  time.Duration
	scheduler *gocron.Scheduler
	backoff   *Backoff
	logger    *logging.Logger

	mu      sync.Mutex
	running bool
}

// NewFlusher creates a flusher for store. interval must be positive.
func NewFlusher(store *Store, interval time.Duration, logger *logging.Logger) (*Flusher, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("flush interval must be positive, got %s", interval)
	}

	return &Flusher{
		store:    store,
		interval: interval,
		backoff:  NewBackoff(),
		logger:   logger.WithComponent(logging.ComponentHistory),
	}, nil
}

// Start schedules the flush job
func (f *Flusher) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.running {
		return fmt.Errorf("flusher is already running")
	}

	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	if _, err := s.Every(f.interval).WaitForSchedule().Do(f.tick); err != nil {
		return fmt.Errorf("failed to schedule history flush: %w", err)
	}
	s.StartAsync()

	f.scheduler = s
	f.running = true
	f.logger.WithFields(map[string]interface{}{
		"interval": f.interval.String(),
	}).Info("History flusher started")
	return nil
}

// Stop cancels the job and performs a final flush of pending changes
func (f *Flusher) Stop(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.scheduler.Stop()
		f.running = false
	}
	f.mu.Unlock()

	if !f.store.Dirty() {
		return nil
	}
	return f.store.Persist(ctx)
}

// Running reports whether the job is scheduled
func (f *Flusher) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

// Flush prunes and, when the store is dirty and the backoff allows it,
// persists once. It reports whether a write was attempted.
func (f *Flusher) Flush(ctx context.Context) (bool, error) {
	f.store.Prune()

	if !f.store.Dirty() {
		return false, nil
	}
	if !f.backoff.ShouldAttempt() {
		f.logger.WithFields(map[string]interface{}{
			"failures":   f.backoff.Failures(),
			"next_retry": f.backoff.NextAttempt(),
		}).Debug("Skipping history flush during backoff")
		return false, nil
	}

	if err := f.store.Persist(ctx); err != nil {
		f.backoff.RecordFailure()
		f.logger.WithError(err).WithFields(map[string]interface{}{
			"failures":   f.backoff.Failures(),
			"next_retry": f.backoff.NextAttempt(),
		}).Warn("History flush failed")
		return true, err
	}

	f.backoff.RecordSuccess()
	return true, nil
}

func (f *Flusher) tick() {
	_, _ = f.Flush(context.Background())
}

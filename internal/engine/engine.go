// Package engine ties the history store, report builder, exporter, favorites
// and fetch dispatcher together behind the operations callers use.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"

	"github.com/1broseidon/wxhistory/internal/config"
	"github.com/1broseidon/wxhistory/internal/export"
	"github.com/1broseidon/wxhistory/internal/favorites"
	"github.com/1broseidon/wxhistory/internal/fetch"
	"github.com/1broseidon/wxhistory/internal/history"
	"github.com/1broseidon/wxhistory/internal/logging"
	"github.com/1broseidon/wxhistory/internal/metrics"
	"github.com/1broseidon/wxhistory/internal/report"
	"github.com/1broseidon/wxhistory/internal/storage"
	"github.com/1broseidon/wxhistory/pkg/models"
)

var (
	// ErrFetchDisabled is returned by FetchAndRecord when no fetcher is configured
	ErrFetchDisabled = errors.New("no weather fetcher configured")

	// ErrClosed is returned by operations on a closed engine
	ErrClosed = errors.New("engine is closed")
)

// Options wires collaborators into an Engine. Zero values are replaced with
// the configured defaults.
type Options struct {
	// Backend overrides the backend selected by history.backend
	Backend storage.Backend
	// Fs is used by the file backend, favorites and exports
	Fs afero.Fs
	// Fetcher enables FetchAndRecord
	Fetcher fetch.Fetcher
	// Mirror overrides the mirror selected by history.influx
	Mirror  storage.Mirror
	Metrics *metrics.Metrics
	Clock   func() time.Time
}

// Engine is the caller-facing facade over the query history
type Engine struct {
	store      *history.Store
	favorites  *favorites.Set
	flusher    *history.Flusher
	dispatcher *fetch.Dispatcher
	backend    storage.Backend
	mirror     storage.Mirror

	builder     atomic.Pointer[report.Builder]
	exporter    atomic.Pointer[export.Exporter]
	autoPersist atomic.Bool

	mu      sync.RWMutex
	cfg     *config.Config
	started bool
	closed  bool

	fs      afero.Fs
	clock   func() time.Time
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// Stats describes the engine and its components
type Stats struct {
	History   history.Stats `json:"history"`
	Favorites int           `json:"favorites"`
	Flusher   bool          `json:"flusher_running"`
	Fetch     *FetchStats   `json:"fetch,omitempty"`
}

// FetchStats describes the fetch dispatcher
type FetchStats struct {
	ActiveWorkers int    `json:"active_workers"`
	PendingJobs   int    `json:"pending_jobs"`
	ProcessedJobs int64  `json:"processed_jobs"`
	Breaker       string `json:"breaker"`
}

// New builds an engine from cfg and loads persisted history and favorites.
// Corrupt history is handled according to history.onCorrupt.
func New(ctx context.Context, cfg *config.Config, opts Options, logger *logging.Logger) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	backend := opts.Backend
	if backend == nil {
		var err error
		backend, err = storage.NewBackend(ctx, &cfg.History, fs, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create history backend: %w", err)
		}
	}

	e := &Engine{
		backend: backend,
		cfg:     cfg,
		fs:      fs,
		clock:   opts.Clock,
		logger:  logger,
		metrics: opts.Metrics,
	}
	if e.clock == nil {
		e.clock = time.Now
	}

	if err := e.init(ctx, cfg, opts); err != nil {
		if opts.Backend == nil {
			backend.Close()
		}
		return nil, err
	}

	e.mirror = opts.Mirror
	if e.mirror == nil {
		mirror, err := storage.NewMirror(ctx, cfg.History.Influx, logger)
		if err != nil {
			logger.WithComponent(logging.ComponentStorage).WithError(err).Warn("Query mirror unavailable; continuing without it")
		}
		e.mirror = mirror
	}
	return e, nil
}

func (e *Engine) init(ctx context.Context, cfg *config.Config, opts Options) error {
	store, err := history.New(e.backend, history.Options{
		Capacity:       cfg.History.MaxRecords,
		Unlimited:      cfg.History.Unlimited,
		MaxAge:         cfg.History.MaxAge,
		PersistTimeout: cfg.History.PersistTimeout,
		Clock:          e.clock,
		Metrics:        e.metrics,
	}, e.logger)
	if err != nil {
		return fmt.Errorf("failed to create history store: %w", err)
	}
	e.store = store

	exporter, err := export.New(e.fs, exportOptions(cfg), e.logger, e.metrics)
	if err != nil {
		return fmt.Errorf("failed to create exporter: %w", err)
	}
	e.exporter.Store(exporter)
	e.builder.Store(e.newBuilder(cfg))
	e.autoPersist.Store(cfg.History.AutoPersist)

	e.favorites, err = favorites.New(e.fs, cfg.Favorites.Path, cfg.Favorites.MaxEntries, e.logger, e.metrics)
	if err != nil {
		return fmt.Errorf("failed to create favorites: %w", err)
	}

	if opts.Fetcher != nil {
		e.dispatcher, err = fetch.NewDispatcher(opts.Fetcher, fetch.Options{
			Workers:            cfg.Fetch.Workers,
			QueueSize:          cfg.Fetch.QueueSize,
			Timeout:            cfg.Fetch.Timeout,
			BreakerMaxFailures: cfg.Fetch.BreakerMaxFailures,
			BreakerOpenTimeout: cfg.Fetch.BreakerOpenTimeout,
		}, e.logger, e.metrics)
		if err != nil {
			return fmt.Errorf("failed to create fetch dispatcher: %w", err)
		}
	}

	if cfg.History.FlushInterval > 0 && e.backend.Capabilities().Durable {
		e.flusher, err = history.NewFlusher(e.store, cfg.History.FlushInterval, e.logger)
		if err != nil {
			return fmt.Errorf("failed to create history flusher: %w", err)
		}
	}

	if err := e.loadHistory(ctx, cfg.History.OnCorrupt); err != nil {
		return err
	}
	return e.loadFavorites()
}

func (e *Engine) newBuilder(cfg *config.Config) *report.Builder {
	return report.NewBuilder(cfg.Reports.DefaultRows, cfg.Reports.TrendThreshold, report.WithClock(e.clock))
}

func exportOptions(cfg *config.Config) export.Options {
	return export.Options{
		Dir:                cfg.Reports.ExportDir,
		CSVSummaryComments: cfg.Reports.CSVSummaryComments,
		TextMaxWidth:       cfg.Reports.TextMaxWidth,
	}
}

func (e *Engine) loadHistory(ctx context.Context, policy string) error {
	err := e.store.Load(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrCorruptData) {
		return fmt.Errorf("failed to load history: %w", err)
	}

	log := e.logger.WithComponent(logging.ComponentHistory).WithError(err).WithFields(map[string]interface{}{
		"policy": policy,
	})

	switch policy {
	case config.OnCorruptEmpty:
		log.Warn("History is corrupt, starting empty")
		return nil

	case config.OnCorruptBackup:
		if backupErr := e.store.LoadBackup(ctx); backupErr != nil {
			return fmt.Errorf("history is corrupt and the backup could not be restored: %w", errors.Join(err, backupErr))
		}
		log.Warn("History is corrupt, restored the backup")
		return nil

	default:
		return fmt.Errorf("failed to load history: %w", err)
	}
}

func (e *Engine) loadFavorites() error {
	err := e.favorites.Load()
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrCorruptData) {
		e.logger.WithComponent(logging.ComponentFavorites).WithError(err).Warn("Favorites file is corrupt, starting empty")
		return nil
	}
	return fmt.Errorf("failed to load favorites: %w", err)
}

// Start launches the fetch workers and the flush job
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if e.started {
		return nil
	}

	if e.dispatcher != nil {
		e.dispatcher.Start(ctx)
	}
	if e.flusher != nil {
		if err := e.flusher.Start(); err != nil {
			return err
		}
	}
	e.started = true
	return nil
}

// Close stops background work, writes pending history and favorites and
// releases the backend. It is safe to call more than once.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if e.dispatcher != nil {
		e.dispatcher.Stop()
	}

	var errs []error
	if e.flusher != nil {
		if err := e.flusher.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	} else if e.store.Dirty() {
		if err := e.store.Persist(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if err := e.favorites.Save(); err != nil {
		errs = append(errs, err)
	}
	if e.mirror != nil {
		if err := e.mirror.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close query mirror: %w", err))
		}
	}
	if err := e.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close history backend: %w", err))
	}

	return errors.Join(errs...)
}

// RecordQuery appends an observation to the history. With autoPersist
// enabled the history is written straight away; a persistence failure is
// returned as *storage.PersistenceError while the record stays in memory.
func (e *Engine) RecordQuery(ctx context.Context, obs models.Observation) (models.QueryRecord, error) {
	rec, err := e.store.Append(obs)
	if err != nil {
		return models.QueryRecord{}, err
	}
	if e.mirror != nil {
		e.mirror.Mirror(rec)
	}

	var persistErr error
	if e.autoPersist.Load() {
		persistErr = e.store.Persist(ctx)
	}

	e.logger.QueryRecorded(rec.ID, rec.LocationName, string(rec.QueryType), rec.Temperature, e.store.Len(), persistErr)
	return rec, persistErr
}

// FetchAndRecord runs a lookup on the dispatcher and records the result once
// it is available.
func (e *Engine) FetchAndRecord(ctx context.Context, req fetch.Request) (models.QueryRecord, error) {
	if e.dispatcher == nil {
		return models.QueryRecord{}, ErrFetchDisabled
	}

	task, err := e.dispatcher.Submit(req)
	if err != nil {
		return models.QueryRecord{}, err
	}
	obs, err := task.Wait(ctx)
	if err != nil {
		return models.QueryRecord{}, err
	}
	return e.RecordQuery(ctx, obs)
}

// ListHistory returns matching records in insertion order. A positive limit
// keeps only the most recent records.
func (e *Engine) ListHistory(filter history.Filter, limit int) []models.QueryRecord {
	records := slices.Collect(e.store.Query(filter))
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records
}

// ClearHistory empties the history and, with autoPersist enabled, writes the
// empty log.
func (e *Engine) ClearHistory(ctx context.Context) (int, error) {
	cleared := e.store.Clear()
	if !e.autoPersist.Load() {
		return cleared, nil
	}
	return cleared, e.store.Persist(ctx)
}

// Persist writes the history now
func (e *Engine) Persist(ctx context.Context) error {
	return e.store.Persist(ctx)
}

// GenerateReport builds a report over the current history. A report whose
// filters match nothing carries the no-data notice rather than an error.
func (e *Engine) GenerateReport(spec models.ReportSpec) (*models.ReportDocument, error) {
	start := time.Now()
	doc, err := e.builder.Load().Build(spec, e.store)
	duration := time.Since(start)
	e.metrics.RecordReport(string(spec.Kind), duration, err)
	if err != nil {
		e.logger.WithComponent(logging.ComponentReport).WithError(err).WithFields(map[string]interface{}{
			"kind": string(spec.Kind),
		}).Debug("Rejected report request")
		return nil, err
	}

	e.logger.ReportEvent(logging.EventReportGenerated, string(doc.Kind), len(doc.Rows), duration)
	return doc, nil
}

// ExportReport writes doc to path and returns the number of bytes written
func (e *Engine) ExportReport(doc *models.ReportDocument, format models.Format, path string) (int, error) {
	return e.exporter.Load().WriteFile(doc, format, path)
}

// WriteReport serializes doc to w
func (e *Engine) WriteReport(w io.Writer, doc *models.ReportDocument, format models.Format) (int, error) {
	return e.exporter.Load().Write(w, doc, format)
}

// Favorites returns the favorite locations in order
func (e *Engine) Favorites() []models.Location {
	return e.favorites.All()
}

// AddFavorite adds a favorite location and saves the list
func (e *Engine) AddFavorite(name string) (models.Location, error) {
	loc, err := e.favorites.Add(name)
	if err != nil {
		return models.Location{}, err
	}
	return loc, e.favorites.Save()
}

// RemoveFavorite removes a favorite location and saves the list
func (e *Engine) RemoveFavorite(name string) error {
	if err := e.favorites.Remove(name); err != nil {
		return err
	}
	return e.favorites.Save()
}

// PromoteFavorite moves a favorite to the front and saves the list
func (e *Engine) PromoteFavorite(name string) error {
	if err := e.favorites.MoveToFront(name); err != nil {
		return err
	}
	return e.favorites.Save()
}

// Config returns the configuration currently in effect
func (e *Engine) Config() *config.Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Reconfigure applies a new configuration. History bounds, retention, report
// and export settings take effect immediately; backend, mirror, favorites,
// fetch and flush settings are kept until restart.
func (e *Engine) Reconfigure(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	exporter, err := export.New(e.fs, exportOptions(cfg), e.logger, e.metrics)
	if err != nil {
		return fmt.Errorf("failed to create exporter: %w", err)
	}
	if err := e.store.SetCapacity(cfg.History.MaxRecords, cfg.History.Unlimited); err != nil {
		return err
	}
	e.store.SetMaxAge(cfg.History.MaxAge)
	e.builder.Store(e.newBuilder(cfg))
	e.exporter.Store(exporter)
	e.autoPersist.Store(cfg.History.AutoPersist)

	e.mu.Lock()
	previous := e.cfg
	e.cfg = cfg
	e.mu.Unlock()

	if restartRequired(previous, cfg) {
		e.logger.WithComponent(logging.ComponentConfig).Warn("Backend, favorites, fetch or flush settings changed; restart to apply them")
	}
	e.metrics.RecordConfigReload()
	return nil
}

func restartRequired(prev, next *config.Config) bool {
	if prev == nil {
		return false
	}
	return prev.History.Backend != next.History.Backend ||
		prev.History.Path != next.History.Path ||
		prev.History.FlushInterval != next.History.FlushInterval ||
		prev.History.PersistTimeout != next.History.PersistTimeout ||
		prev.History.Influx != next.History.Influx ||
		prev.Favorites != next.Favorites ||
		prev.Fetch != next.Fetch
}

// Stats returns a snapshot of the engine state
func (e *Engine) Stats() Stats {
	stats := Stats{
		History:   e.store.Stats(),
		Favorites: e.favorites.Len(),
	}
	if e.flusher != nil {
		stats.Flusher = e.flusher.Running()
	}
	if e.dispatcher != nil {
		stats.Fetch = &FetchStats{
			ActiveWorkers: e.dispatcher.ActiveWorkers(),
			PendingJobs:   e.dispatcher.PendingJobs(),
			ProcessedJobs: e.dispatcher.ProcessedJobs(),
			Breaker:       e.dispatcher.BreakerState(),
		}
	}
	return stats
}

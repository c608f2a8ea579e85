package history

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/1broseidon/wxhistory/internal/logging"
	"github.com/1broseidon/wxhistory/internal/metrics"
	"github.com/1broseidon/wxhistory/internal/storage"
	"github.com/1broseidon/wxhistory/pkg/models"
)

// DefaultCapacity is the history bound used when none is configured
const DefaultCapacity = 100

var (
	// ErrInvalidCapacity is returned for a non-positive bound on a bounded store
	ErrInvalidCapacity = errors.New("history capacity must be positive")

	// ErrInvalidObservation is returned when an observation cannot be recorded
	ErrInvalidObservation = errors.New("invalid observation")
)

// Options configures a Store
type Options struct {
	// Capacity bounds the number of records; ignored when Unlimited is set
	Capacity  int
	Unlimited bool
	// MaxAge drops records older than this on load and prune; zero keeps all
	MaxAge time.Duration
	// PersistTimeout bounds each backend call; zero means no extra bound
	PersistTimeout time.Duration

	Clock       func() time.Time
	IDGenerator func() string
	Metrics     *metrics.Metrics
}

// Stats describes the current state of the store
type Stats struct {
	Count       int        `json:"count"`
	Capacity    int        `json:"capacity"`
	Unlimited   bool       `json:"unlimited"`
	Dirty       bool       `json:"dirty"`
	Backend     string     `json:"backend"`
	Oldest      *time.Time `json:"oldest,omitempty"`
	Newest      *time.Time `json:"newest,omitempty"`
	LastPersist *time.Time `json:"last_persist,omitempty"`

	// ByType counts records per query type
	ByType map[models.QueryType]int `json:"by_type"`
	// ByDay counts records per UTC calendar day (YYYY-MM-DD)
	ByDay map[string]int `json:"by_day"`
}

// Filter selects records from the history. The zero value matches everything.
type Filter struct {
	Window    *models.TimeWindow
	Locations []string // case-insensitive exact match
	QueryType models.QueryType
	// Search keeps locations containing the term, ignoring case
	Search string
}

// Matches reports whether a record passes the filter
func (f Filter) Matches(rec models.QueryRecord) bool {
	if !f.Window.Contains(rec.Timestamp) {
		return false
	}
	if f.QueryType != "" && rec.QueryType != f.QueryType {
		return false
	}
	if term := strings.TrimSpace(f.Search); term != "" &&
		!strings.Contains(strings.ToLower(rec.LocationName), strings.ToLower(term)) {
		return false
	}
	if len(f.Locations) == 0 {
		return true
	}
	for _, loc := range f.Locations {
		if strings.EqualFold(strings.TrimSpace(loc), rec.LocationName) {
			return true
		}
	}
	return false
}

// Store is the ordered, bounded log of weather queries. Records are kept in a
// circular buffer; the oldest record is evicted when the buffer is full.
type Store struct {
	mu sync.RWMutex

	buf       []models.QueryRecord
	head      int // index of the oldest record
	count     int
	capacity  int
	unlimited bool

	dirty       bool
	version     uint64 // bumped on every mutation
	lastTS      time.Time
	lastPersist time.Time

	persistMu      sync.Mutex
	backend        storage.Backend
	persistTimeout time.Duration
	maxAge         time.Duration

	now     func() time.Time
	newID   func() string
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// New creates an empty store backed by backend. A nil backend keeps history
// in memory only.
func New(backend storage.Backend, opts Options, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if !opts.Unlimited && opts.Capacity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, opts.Capacity)
	}
	if backend == nil {
		backend = storage.NewNoOpStore()
	}

	s := &Store{
		capacity:       opts.Capacity,
		unlimited:      opts.Unlimited,
		backend:        backend,
		persistTimeout: opts.PersistTimeout,
		maxAge:         opts.MaxAge,
		now:            opts.Clock,
		newID:          opts.IDGenerator,
		logger:         logger.WithComponent(logging.ComponentHistory),
		metrics:        opts.Metrics,
	}
	if s.unlimited {
		s.capacity = 0
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	s.buf = make([]models.QueryRecord, s.initialSize())

	s.metrics.SetHistoryState(0, s.capacity, false)
	return s, nil
}

func (s *Store) initialSize() int {
	if s.unlimited {
		return 16
	}
	return s.capacity
}

// Append records an observation at the tail of the history and returns the
// stored record. When the store is full the oldest record is evicted.
func (s *Store) Append(obs models.Observation) (models.QueryRecord, error) {
	if strings.TrimSpace(obs.LocationName) == "" {
		return models.QueryRecord{}, fmt.Errorf("%w: location name is required", ErrInvalidObservation)
	}
	if !obs.QueryType.Valid() {
		return models.QueryRecord{}, fmt.Errorf("%w: unknown query type %q", ErrInvalidObservation, obs.QueryType)
	}
	if err := checkFinite(obs); err != nil {
		return models.QueryRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ts := models.NormalizeTime(s.now())
	if ts.Before(s.lastTS) {
		s.logger.WithFields(map[string]interface{}{
			"clock":    ts,
			"previous": s.lastTS,
		}).Debug("Clock moved backwards, clamping record timestamp")
		ts = s.lastTS
	}

	rec := models.NewQueryRecord(s.newID(), ts, obs)
	evicted := s.pushLocked(rec)
	s.lastTS = ts
	s.markDirtyLocked()

	if evicted {
		s.metrics.RecordEvictions(1)
		s.logger.WithFields(map[string]interface{}{
			"capacity": s.capacity,
		}).Debug("History full, evicted oldest record")
	}
	s.metrics.RecordQuery(string(rec.QueryType), s.count)
	s.metrics.SetHistoryState(s.count, s.capacity, true)

	return rec, nil
}

// checkFinite rejects NaN and infinite measurements, which cannot be
// persisted or exported as JSON.
func checkFinite(obs models.Observation) error {
	check := func(name string, v float64) error {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s must be a finite number", ErrInvalidObservation, name)
		}
		return nil
	}
	err := errors.Join(
		check("temperature", obs.Temperature),
		check("humidity", obs.Humidity),
		check("pressure", obs.Pressure),
		check("wind_speed", obs.WindSpeed),
	)
	for i, day := range obs.Forecast {
		err = errors.Join(err,
			check(fmt.Sprintf("forecast[%d].temperature_high", i), day.TemperatureHigh),
			check(fmt.Sprintf("forecast[%d].temperature_low", i), day.TemperatureLow),
			check(fmt.Sprintf("forecast[%d].precipitation_chance", i), day.PrecipitationChance),
		)
	}
	return err
}

// pushLocked writes rec at the tail and reports whether a record was evicted
func (s *Store) pushLocked(rec models.QueryRecord) bool {
	if s.count == len(s.buf) {
		if !s.unlimited {
			s.buf[s.head] = rec
			s.head = (s.head + 1) % len(s.buf)
			return true
		}
		s.growLocked()
	}

	s.buf[(s.head+s.count)%len(s.buf)] = rec
	s.count++
	return false
}

func (s *Store) growLocked() {
	size := len(s.buf) * 2
	if size == 0 {
		size = 16
	}
	grown := make([]models.QueryRecord, size)
	s.copyOrderedLocked(grown)
	s.buf = grown
	s.head = 0
}

func (s *Store) copyOrderedLocked(dst []models.QueryRecord) int {
	for i := 0; i < s.count; i++ {
		dst[i] = s.buf[(s.head+i)%len(s.buf)]
	}
	return s.count
}

func (s *Store) snapshotLocked() []models.QueryRecord {
	out := make([]models.QueryRecord, s.count)
	s.copyOrderedLocked(out)
	return out
}

func (s *Store) markDirtyLocked() {
	s.dirty = true
	s.version++
}

// resetLocked replaces the contents with records, which must already be in
// timestamp order and within capacity.
func (s *Store) resetLocked(records []models.QueryRecord) {
	size := len(records)
	if !s.unlimited {
		size = s.capacity
	} else if size < 16 {
		size = 16
	}
	s.buf = make([]models.QueryRecord, size)
	copy(s.buf, records)
	s.head = 0
	s.count = len(records)
	s.lastTS = time.Time{}
	if s.count > 0 {
		s.lastTS = records[s.count-1].Timestamp
	}
}

// Query returns the records matching filter in insertion order. The sequence
// reads a snapshot taken when iteration starts, so it can be ranged over more
// than once and is safe to use while the store is being written.
func (s *Store) Query(filter Filter) iter.Seq[models.QueryRecord] {
	return func(yield func(models.QueryRecord) bool) {
		s.mu.RLock()
		records := s.snapshotLocked()
		s.mu.RUnlock()

		for _, rec := range records {
			if !filter.Matches(rec) {
				continue
			}
			if !yield(rec) {
				return
			}
		}
	}
}

// Records returns a copy of every record in insertion order
func (s *Store) Records() []models.QueryRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Len returns the number of records held
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// Dirty reports whether the store has changes not yet persisted
func (s *Store) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirty
}

// Clear empties the in-memory history. The backend is left untouched until
// the next Persist.
func (s *Store) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleared := s.count
	s.resetLocked(nil)
	s.markDirtyLocked()
	s.metrics.SetHistoryState(0, s.capacity, true)

	s.logger.WithEvent(logging.EventHistoryCleared).WithFields(map[string]interface{}{
		"cleared": cleared,
	}).Info("History cleared")
	return cleared
}

// SetCapacity changes the history bound. Shrinking evicts the oldest records.
func (s *Store) SetCapacity(capacity int, unlimited bool) error {
	if !unlimited && capacity <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.snapshotLocked()
	evicted := 0
	if !unlimited && len(records) > capacity {
		evicted = len(records) - capacity
		records = records[evicted:]
	}

	s.unlimited = unlimited
	s.capacity = capacity
	if unlimited {
		s.capacity = 0
	}
	lastTS := s.lastTS
	s.resetLocked(records)
	s.lastTS = lastTS

	if evicted > 0 {
		s.markDirtyLocked()
		s.metrics.RecordEvictions(evicted)
	}
	s.metrics.SetHistoryState(s.count, s.capacity, s.dirty)

	s.logger.WithFields(map[string]interface{}{
		"capacity":  s.capacity,
		"unlimited": unlimited,
		"evicted":   evicted,
	}).Info("History capacity updated")
	return nil
}

// SetMaxAge changes the retention age used by Prune and Load
func (s *Store) SetMaxAge(maxAge time.Duration) {
	s.mu.Lock()
	s.maxAge = maxAge
	s.mu.Unlock()
}

// Prune drops records older than the configured maximum age and returns how
// many were removed.
func (s *Store) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxAge <= 0 {
		return 0
	}

	records := s.snapshotLocked()
	kept := s.retainLocked(records)
	dropped := len(records) - len(kept)
	if dropped == 0 {
		return 0
	}

	lastTS := s.lastTS
	s.resetLocked(kept)
	s.lastTS = lastTS
	s.markDirtyLocked()
	s.metrics.RecordExpired(dropped)
	s.metrics.SetHistoryState(s.count, s.capacity, true)

	s.logger.WithFields(map[string]interface{}{
		"dropped": dropped,
		"max_age": s.maxAge.String(),
	}).Debug("Pruned expired history records")
	return dropped
}

// retainLocked returns the suffix of records newer than the age cutoff.
// Records are ordered by timestamp, so the cutoff is a single split point.
func (s *Store) retainLocked(records []models.QueryRecord) []models.QueryRecord {
	if s.maxAge <= 0 {
		return records
	}
	cutoff := s.now().Add(-s.maxAge)
	for i, rec := range records {
		if !rec.Timestamp.Before(cutoff) {
			return records[i:]
		}
	}
	return nil
}

// Stats returns a snapshot of the store state
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Count:     s.count,
		Capacity:  s.capacity,
		Unlimited: s.unlimited,
		Dirty:     s.dirty,
		Backend:   s.backend.Capabilities().Name,
		ByType:    make(map[models.QueryType]int),
		ByDay:     make(map[string]int),
	}
	for i := 0; i < s.count; i++ {
		rec := s.buf[(s.head+i)%len(s.buf)]
		st.ByType[rec.QueryType]++
		st.ByDay[rec.Timestamp.UTC().Format(time.DateOnly)]++
	}
	if s.count > 0 {
		oldest := s.buf[s.head].Timestamp
		newest := s.buf[(s.head+s.count-1)%len(s.buf)].Timestamp
		st.Oldest = &oldest
		st.Newest = &newest
	}
	if !s.lastPersist.IsZero() {
		lp := s.lastPersist
		st.LastPersist = &lp
	}
	return st
}

// Backend returns the persistence backend
func (s *Store) Backend() storage.Backend {
	return s.backend
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.persistTimeout > 0 {
		return context.WithTimeout(ctx, s.persistTimeout)
	}
	return context.WithCancel(ctx)
}

// Load replaces the in-memory history with the persisted snapshot. Missing
// data yields an empty store. Corrupt data is returned as a
// *storage.CorruptDataError and leaves the store unchanged.
func (s *Store) Load(ctx context.Context) error {
	return s.load(ctx, "load", s.backend.Load)
}

// LoadBackup replaces the in-memory history with the backup snapshot and marks
// the store dirty so the restored data is written back on the next persist.
func (s *Store) LoadBackup(ctx context.Context) error {
	return s.load(ctx, "load_backup", s.backend.LoadBackup)
}

func (s *Store) load(ctx context.Context, operation string, fn func(context.Context) ([]models.QueryRecord, error)) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	backendName := s.backend.Capabilities().Name
	start := time.Now()
	records, err := fn(ctx)
	s.metrics.RecordPersist(backendName, operation, time.Since(start), err)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.retainLocked(records)
	expired := len(records) - len(kept)
	evicted := 0
	if !s.unlimited && len(kept) > s.capacity {
		evicted = len(kept) - s.capacity
		kept = kept[evicted:]
	}

	s.resetLocked(kept)
	s.dirty = operation == "load_backup" || expired > 0 || evicted > 0
	s.version++

	s.metrics.RecordExpired(expired)
	s.metrics.RecordEvictions(evicted)
	s.metrics.SetHistoryState(s.count, s.capacity, s.dirty)

	s.logger.WithEvent(logging.EventHistoryLoaded).WithFields(map[string]interface{}{
		"backend":   backendName,
		"operation": operation,
		"records":   s.count,
		"expired":   expired,
		"evicted":   evicted,
	}).Info("History loaded")
	return nil
}

// Persist writes the full history to the backend. On failure the in-memory
// store is unchanged and stays dirty. Concurrent calls are serialized.
func (s *Store) Persist(ctx context.Context) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.RLock()
	records := s.snapshotLocked()
	version := s.version
	s.mu.RUnlock()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	backendName := s.backend.Capabilities().Name
	start := time.Now()
	err := s.backend.Save(ctx, records)
	duration := time.Since(start)
	if err != nil {
		var persistErr *storage.PersistenceError
		if !errors.As(err, &persistErr) {
			err = storage.NewPersistenceError(backendName, "save", err)
		}
	}
	s.metrics.RecordPersist(backendName, "save", duration, err)
	if err != nil {
		s.logger.WithError(err).WithFields(map[string]interface{}{
			"backend": backendName,
			"records": len(records),
		}).Warn("Failed to persist history")
		return err
	}

	s.mu.Lock()
	if s.version == version {
		s.dirty = false
	}
	s.lastPersist = s.now()
	count, capacity, dirty := s.count, s.capacity, s.dirty
	s.mu.Unlock()
	s.metrics.SetHistoryState(count, capacity, dirty)

	s.logger.WithEvent(logging.EventHistoryPersisted).WithFields(map[string]interface{}{
		"backend":     backendName,
		"records":     len(records),
		"duration_ms": duration.Milliseconds(),
	}).Debug("History persisted")
	return nil
}

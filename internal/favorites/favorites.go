package favorites

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/1broseidon/wxhistory/internal/logging"
	"github.com/1broseidon/wxhistory/internal/metrics"
	"github.com/1broseidon/wxhistory/internal/storage"
	"github.com/1broseidon/wxhistory/pkg/models"
)

var (
	// ErrDuplicate is returned when adding a location that is already a favorite
	ErrDuplicate = errors.New("location is already a favorite")

	// ErrNotFound is returned when a location is not a favorite
	ErrNotFound = errors.New("location is not a favorite")

	// ErrFull is returned when the set has reached its maximum size
	ErrFull = errors.New("favorites list is full")

	// ErrInvalidName is returned for a blank location name
	ErrInvalidName = errors.New("location name is required")
)

type fileFormat struct {
	Favorites []models.Location `json:"favorites"`
}

// Set is an insertion-ordered collection of favorite locations. Names are
// compared case-insensitively and stored as first given.
type Set struct {
	mu         sync.RWMutex
	items      []models.Location
	maxEntries int

	fs      afero.Fs
	path    string
	now     func() time.Time
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// New creates an empty set persisted at path on fs. An empty path keeps the
// set in memory. maxEntries <= 0 means no limit.
func New(fs afero.Fs, path string, maxEntries int, logger *logging.Logger, m *metrics.Metrics) (*Set, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Set{
		maxEntries: maxEntries,
		fs:         fs,
		path:       path,
		now:        time.Now,
		logger:     logger.WithComponent(logging.ComponentFavorites),
		metrics:    m,
	}, nil
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (s *Set) indexLocked(name string) int {
	key := normalize(name)
	for i, loc := range s.items {
		if normalize(loc.Name) == key {
			return i
		}
	}
	return -1
}

// Add appends a location at the end of the set
func (s *Set) Add(name string) (models.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Location{}, ErrInvalidName
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexLocked(name) >= 0 {
		return models.Location{}, fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	if s.maxEntries > 0 && len(s.items) >= s.maxEntries {
		return models.Location{}, fmt.Errorf("%w: limit is %d", ErrFull, s.maxEntries)
	}

	loc := models.Location{Name: name, AddedAt: models.NormalizeTime(s.now())}
	s.items = append(s.items, loc)
	s.metrics.SetFavorites(len(s.items))
	return loc, nil
}

// Remove deletes a location from the set
func (s *Set) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(name)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	s.items = append(s.items[:i], s.items[i+1:]...)
	s.metrics.SetFavorites(len(s.items))
	return nil
}

// MoveToFront makes an existing favorite the first entry
func (s *Set) MoveToFront(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(name)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	loc := s.items[i]
	copy(s.items[1:i+1], s.items[:i])
	s.items[0] = loc
	return nil
}

// Contains reports whether name is a favorite
func (s *Set) Contains(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.indexLocked(name) >= 0
}

// All returns a copy of the favorites in order
func (s *Set) All() []models.Location {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Location{}, s.items...)
}

// Len returns the number of favorites
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Load replaces the set with the persisted favorites. A missing file leaves
// the set empty.
func (s *Set) Load() error {
	if s.path == "" {
		return nil
	}

	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read favorites: %w", err)
	}

	var file fileFormat
	if err := json.Unmarshal(data, &file); err != nil {
		return &storage.CorruptDataError{Source: s.path, Index: -1, Reason: "invalid JSON", Err: err}
	}

	items := make([]models.Location, 0, len(file.Favorites))
	seen := make(map[string]struct{}, len(file.Favorites))
	for i, loc := range file.Favorites {
		key := normalize(loc.Name)
		if key == "" {
			return &storage.CorruptDataError{Source: s.path, Index: i, Field: "name", Reason: "missing value"}
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		loc.Name = strings.TrimSpace(loc.Name)
		items = append(items, loc)
	}

	s.mu.Lock()
	s.items = items
	s.mu.Unlock()
	s.metrics.SetFavorites(len(items))

	s.logger.WithFields(map[string]interface{}{
		"path":      s.path,
		"favorites": len(items),
	}).Debug("Favorites loaded")
	return nil
}

// Save writes the favorites atomically
func (s *Set) Save() error {
	if s.path == "" {
		return nil
	}

	data, err := json.MarshalIndent(fileFormat{Favorites: s.All()}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode favorites: %w", err)
	}

	dir := filepath.Dir(s.path)
	if exists, _ := afero.DirExists(s.fs, dir); !exists {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return storage.NewPersistenceError("file", "save", err)
		}
	}
	if err := storage.WriteFileAtomic(s.fs, s.path, data); err != nil {
		return storage.NewPersistenceError("file", "save", err)
	}
	return nil
}

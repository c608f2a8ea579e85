package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/1broseidon/wxhistory/internal/logging"
)

const defaultReloadDebounce = 250 * time.Millisecond

// Watcher reloads the configuration file when it changes on disk and hands
// each valid replacement to the callback. Invalid edits are logged and the
// previous configuration stays in effect.
type Watcher struct {
	path     string
	logger   *logging.Logger
	onChange func(*Config)
	debounce time.Duration

	fsw      *fsnotify.Watcher
	wg       sync.WaitGroup
	stopOnce sync.Once
	stop     chan struct{}
}

// NewWatcher creates a watcher for the config file at path. The containing
// directory is watched so that editors replacing the file are noticed.
func NewWatcher(path string, logger *logging.Logger, onChange func(*Config)) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is required for watching")
	}
	if onChange == nil {
		return nil, fmt.Errorf("onChange callback cannot be nil")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	return &Watcher{
		path:     abs,
		logger:   logger,
		onChange: onChange,
		debounce: defaultReloadDebounce,
		fsw:      fsw,
		stop:     make(chan struct{}),
	}, nil
}

// Start begins processing file events until ctx is cancelled or Close is called
func (w *Watcher) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.WithComponent(logging.ComponentConfig).
				WithError(err).
				Warn("Config watcher error")

		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadConfig(w.path)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		w.logger.WithComponent(logging.ComponentConfig).
			WithError(err).
			WithFields(map[string]interface{}{"path": w.path}).
			Warn("Ignoring invalid configuration change")
		return
	}

	w.logger.ConfigEvent(logging.EventConfigReload, "Configuration reloaded", map[string]interface{}{
		"path": w.path,
	})
	w.onChange(cfg)
}

// Close stops the watcher and releases the underlying file handles
func (w *Watcher) Close() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stop)
		w.wg.Wait()
		err = w.fsw.Close()
	})
	return err
}

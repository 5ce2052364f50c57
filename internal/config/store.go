package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Store publishes immutable configuration snapshots. Readers call
// Snapshot and keep the returned pointer for the lifetime of one request;
// writers swap the whole document through Update or the file watcher.
type Store struct {
	path    string
	current atomic.Pointer[Config]
	logger  *zap.Logger

	mu       sync.Mutex // serializes Update against watcher reloads
	watcher  *fsnotify.Watcher
	onChange []func(old, new *Config)
	done     chan struct{}
}

// NewStore creates a store seeded with cfg. path is the backing JSON
// file used by Update and the optional file watcher.
func NewStore(cfg *Config, path string, logger *zap.Logger) *Store {
	s := &Store{
		path:   path,
		logger: logger,
		done:   make(chan struct{}),
	}
	s.current.Store(cfg)
	return s
}

// Snapshot returns the current configuration. The returned value must be
// treated as read-only.
func (s *Store) Snapshot() *Config {
	return s.current.Load()
}

// OnChange registers a callback invoked after every snapshot swap.
// Registration is not safe after Watch has started.
func (s *Store) OnChange(fn func(old, new *Config)) {
	s.onChange = append(s.onChange, fn)
}

// Update validates, persists and publishes a new document.
func (s *Store) Update(next *Config) error {
	if err := next.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path != "" {
		if err := Save(next, s.path); err != nil {
			return err
		}
	}
	s.swap(next)
	return nil
}

func (s *Store) swap(next *Config) {
	old := s.current.Swap(next)
	for _, fn := range s.onChange {
		fn(old, next)
	}
}

// Watch starts a background watcher that reloads the backing file when
// it changes on disk. Editors and atomic writers replace the file, so
// the parent directory is watched and events are debounced.
func (s *Store) Watch() error {
	if s.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	s.watcher = w

	go s.watchLoop()
	return nil
}

func (s *Store) watchLoop() {
	target, _ := filepath.Abs(s.path)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	reload := make(chan struct{}, 1)
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			abs, _ := filepath.Abs(ev.Name)
			if abs != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			// Coalesce bursts from editors that write in several syscalls.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(200*time.Millisecond, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("config watcher error", zap.Error(err))
		case <-reload:
			s.reloadFromDisk()
		}
	}
}

func (s *Store) reloadFromDisk() {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := Load(s.path)
	if err != nil {
		s.logger.Error("config reload rejected", zap.String("path", s.path), zap.Error(err))
		return
	}
	s.swap(next)
	s.logger.Info("config reloaded", zap.String("path", s.path))
}

// Close stops the file watcher.
func (s *Store) Close() error {
	select {
	case <-s.done:
		return nil
	default:
	}
	close(s.done)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

// Clone deep-copies a document so admin updates can start from the
// current snapshot without mutating it.
func Clone(cfg *Config) (*Config, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	out := &Config{}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}

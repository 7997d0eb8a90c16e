package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// ReloadFunc receives a freshly loaded and validated configuration.
type ReloadFunc func(cfg *Config)

// Watcher reloads the config file when it changes on disk. Only the file's
// directory is watched so editors that replace the file atomically are seen.
type Watcher struct {
	loader   *Loader
	watcher  *fsnotify.Watcher
	onReload ReloadFunc
	debounce time.Duration

	mu       sync.Mutex
	timer    *time.Timer
	done     chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a watcher for the loader's config path.
func NewWatcher(loader *Loader, onReload ReloadFunc) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	return &Watcher{
		loader:   loader,
		watcher:  fw,
		onReload: onReload,
		debounce: 200 * time.Millisecond,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.loader.GetConfigPath())
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	go w.eventLoop()
	log.Info().Str("path", w.loader.GetConfigPath()).Msg("Config watcher started")
	return nil
}

// Stop stops watching.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *Watcher) eventLoop() {
	target := filepath.Clean(w.loader.GetConfigPath())
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	select {
	case <-w.done:
		return
	default:
	}

	cfg, err := w.loader.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Config reload failed, keeping previous config")
		return
	}
	if errs := NewValidator().ValidateConfig(cfg); len(errs) > 0 {
		log.Warn().Errs("errors", errs).Msg("Reloaded config is invalid, keeping previous config")
		return
	}
	log.Info().Msg("Config reloaded")
	if w.onReload != nil {
		w.onReload(cfg)
	}
}

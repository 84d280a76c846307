package config

import (
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// ReloadableConfig provides hot-reload capabilities for configuration.
// It watches the config file for changes and atomically updates the
// configuration without dropping existing connections.
type ReloadableConfig struct {
	path     string
	current  atomic.Pointer[Config]
	mu       sync.RWMutex
	watchers []func(old, new *Config)
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
	reloadMu sync.Mutex
}

// NewReloadable loads path and starts watching it.
func NewReloadable(path string) (*ReloadableConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("initial config load: %w", err)
	}

	r := &ReloadableConfig{
		path:   path,
		stopCh: make(chan struct{}),
	}
	r.current.Store(cfg)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// editors often replace the file, so watch the directory
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}

	r.watcher = watcher
	go r.watchLoop()

	return r, nil
}

// Get returns the current configuration.
func (r *ReloadableConfig) Get() *Config {
	return r.current.Load()
}

// Watch registers a callback to be called when config changes.
// The callback receives both the old and new configurations.
func (r *ReloadableConfig) Watch(fn func(old, new *Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchers = append(r.watchers, fn)
}

// Reload forces a config reload from disk. Concurrent reloads are
// serialized.
func (r *ReloadableConfig) Reload() error {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	newCfg, err := Load(r.path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	oldCfg := r.Get()
	if err := validateTransition(oldCfg, newCfg); err != nil {
		return fmt.Errorf("validate transition: %w", err)
	}

	r.current.Store(newCfg)

	r.mu.RLock()
	watchers := make([]func(old, new *Config), len(r.watchers))
	copy(watchers, r.watchers)
	r.mu.RUnlock()

	for _, fn := range watchers {
		go fn(oldCfg, newCfg)
	}
	return nil
}

// validateTransition checks if the config change is allowed. Interceptors
// cannot be removed from live channels, so anything that changes what was
// injected needs a restart.
func validateTransition(old, new *Config) error {
	if old.Listen != new.Listen {
		return fmt.Errorf("listen address change requires restart: %s -> %s", old.Listen, new.Listen)
	}
	if !slices.Equal(old.SupportedVersions, new.SupportedVersions) {
		return fmt.Errorf("supported_versions change requires restart")
	}
	if old.Metrics.Listen != new.Metrics.Listen {
		return fmt.Errorf("metrics listen address change requires restart")
	}
	return nil
}

// watchLoop monitors the config file for changes.
func (r *ReloadableConfig) watchLoop() {
	lg := log.With().Str("component", "config").Str("path", r.path).Logger()
	target := filepath.Clean(r.path)
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if err := r.Reload(); err != nil {
					lg.Error().Err(err).Msg("config reload failed")
					continue
				}
				lg.Info().Msg("config reloaded")
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			lg.Warn().Err(err).Msg("config watcher error")
		case <-r.stopCh:
			return
		}
	}
}

// Close stops the file watcher.
func (r *ReloadableConfig) Close() error {
	var err error
	r.stopOnce.Do(func() {
		close(r.stopCh)
		err = r.watcher.Close()
	})
	return err
}

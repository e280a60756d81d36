package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ConfigWatcher watches a configuration file for changes and triggers reloads
type ConfigWatcher struct {
	configFile string
	loader     *Loader
	watcher    *fsnotify.Watcher
	stopCh     chan struct{}
	stopOnce   sync.Once
	callbacks  []ConfigChangeCallback
	current    *Config
	mu         sync.RWMutex
	debounce   time.Duration
}

// ConfigChangeCallback is called when the config file changes
type ConfigChangeCallback func(oldConfig, newConfig *Config) error

// NewConfigWatcher creates a new config file watcher
func NewConfigWatcher(configFile string, loader *Loader) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create file watcher")
	}

	return &ConfigWatcher{
		configFile: configFile,
		loader:     loader,
		watcher:    watcher,
		stopCh:     make(chan struct{}),
		callbacks:  make([]ConfigChangeCallback, 0),
		debounce:   2 * time.Second, // Debounce rapid file changes
	}, nil
}

// AddCallback adds a callback function to be called when config changes
func (cw *ConfigWatcher) AddCallback(callback ConfigChangeCallback) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

// Start starts watching the config file for changes. The containing directory
// is watched so that editors replacing the file by rename are still seen.
func (cw *ConfigWatcher) Start(currentConfig *Config) error {
	absPath, err := filepath.Abs(cw.configFile)
	if err != nil {
		return errors.Wrap(err, "failed to get absolute path")
	}

	if err := cw.watcher.Add(filepath.Dir(absPath)); err != nil {
		return errors.Wrap(err, "failed to watch config directory")
	}

	cw.mu.Lock()
	cw.current = currentConfig
	cw.mu.Unlock()

	log.Infof("Config watcher started for file: %s", absPath)

	go cw.watchLoop()

	return nil
}

// Stop stops the config file watcher
func (cw *ConfigWatcher) Stop() error {
	var err error
	cw.stopOnce.Do(func() {
		close(cw.stopCh)
		err = cw.watcher.Close()
	})
	return err
}

// Current returns the most recently applied configuration
func (cw *ConfigWatcher) Current() *Config {
	cw.mu.RLock()
	defer cw.mu.RUnlock()
	return cw.current
}

// watchLoop is the main watch loop that handles file system events. A reload
// runs once events have stopped arriving for the debounce period, so a file
// written in several steps is read only after the last one.
func (cw *ConfigWatcher) watchLoop() {
	base := filepath.Base(cw.configFile)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}

			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				timer.Reset(cw.debounceTime())
			}

		case <-timer.C:
			cw.handleConfigChange()

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("Config watcher error: %v", err)

		case <-cw.stopCh:
			return
		}
	}
}

// handleConfigChange processes a config file change event
func (cw *ConfigWatcher) handleConfigChange() {
	log.Info("Config file changed, reloading...")

	newConfig, err := cw.loader.Load(cw.configFile)
	if err != nil {
		log.Warnf("Failed to reload config: %v", err)
		return
	}

	cw.mu.RLock()
	oldConfig := cw.current
	callbacks := make([]ConfigChangeCallback, len(cw.callbacks))
	copy(callbacks, cw.callbacks)
	cw.mu.RUnlock()

	for _, callback := range callbacks {
		if err := callback(oldConfig, newConfig); err != nil {
			log.Warnf("Config change callback error: %v", err)
			return
		}
	}

	cw.mu.Lock()
	cw.current = newConfig
	cw.mu.Unlock()

	log.Info("Config successfully reloaded")
}

// SetDebounceTime sets the debounce time for config file changes
func (cw *ConfigWatcher) SetDebounceTime(duration time.Duration) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.debounce = duration
}

func (cw *ConfigWatcher) debounceTime() time.Duration {
	cw.mu.RLock()
	defer cw.mu.RUnlock()
	return cw.debounce
}

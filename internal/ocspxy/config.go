package ocspxy

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the proxy's full configuration, loaded from a YAML file and
// overridable by command-line flags. Field names and defaults follow
// spec.md §6.
type Config struct {
	Server struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"server"`

	Store struct {
		Path   string `yaml:"path"`
		Prefix string `yaml:"prefix"`
	} `yaml:"store"`

	Logging struct {
		Verbose bool `yaml:"verbose"`
	} `yaml:"logging"`
}

// DefaultConfig returns the spec.md §6 defaults.
func DefaultConfig() Config {
	var cfg Config
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 8888
	cfg.Store.Path = "./data/ocspxy"
	cfg.Store.Prefix = "ocspxy_"
	cfg.Logging.Verbose = false
	return cfg
}

// LoadConfig reads and validates a YAML config file, starting from
// DefaultConfig and overlaying whatever the file sets. Grounded on
// devforth-wait0's internal/wait0/config.go LoadConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("ocspxy: reading config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("ocspxy: parsing config: %w", err)
	}
	if cfg.Store.Prefix == "" {
		return Config{}, fmt.Errorf("ocspxy: store.prefix must not be empty")
	}
	return cfg, nil
}

// LiveConfig holds the subset of Config that is safe to change without a
// restart (logging.verbose and store.prefix), kept current by a
// ConfigWatcher. Reads are lock-free via atomic.Value.
type LiveConfig struct {
	verbose atomic.Bool
	prefix  atomic.Value // string
}

// NewLiveConfig seeds a LiveConfig from cfg's initial values.
func NewLiveConfig(cfg Config) *LiveConfig {
	lc := &LiveConfig{}
	lc.verbose.Store(cfg.Logging.Verbose)
	lc.prefix.Store(cfg.Store.Prefix)
	return lc
}

func (lc *LiveConfig) Verbose() bool  { return lc.verbose.Load() }
func (lc *LiveConfig) Prefix() string { return lc.prefix.Load().(string) }

// reloadDebouncer collapses a burst of config-file write events (an
// editor's save-via-rename often fires several) into a single reload.
// Grounded on matthewpi-certwatcher's debounce.go.
type reloadDebouncer struct {
	mu    sync.Mutex
	after time.Duration
	timer *time.Timer
}

func newReloadDebouncer(after time.Duration) *reloadDebouncer {
	return &reloadDebouncer{after: after}
}

// trigger schedules f to run after the debounce interval, cancelling any
// call still pending from an earlier trigger.
func (d *reloadDebouncer) trigger(f func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.after, f)
}

// ConfigWatcher watches the config file on disk and hot-reloads the
// fields LiveConfig exposes. server.host/server.port/store.path changes
// are ignored, and no log line reports them: the listener and the store handle
// they were used to construct can't be swapped out from under in-flight
// requests without a restart.
//
// Grounded on matthewpi-certwatcher's certwatcher.go: an fsnotify.Watcher
// on the file's directory (watching the file itself misses editors that
// replace-via-rename), debounced so a burst of writes from an editor
// collapses into one reload.
type ConfigWatcher struct {
	path   string
	live   *LiveConfig
	logger *slog.Logger

	fsWatcher *fsnotify.Watcher
	debouncer *reloadDebouncer
	stopCh    chan struct{}
}

// NewConfigWatcher starts watching path's parent directory for changes.
// If path is empty, the returned watcher is inert (Stop is always safe
// to call).
func NewConfigWatcher(path string, live *LiveConfig, logger *slog.Logger) (*ConfigWatcher, error) {
	w := &ConfigWatcher{path: path, live: live, logger: logger, stopCh: make(chan struct{})}
	if path == "" {
		return w, nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("ocspxy: config watcher: %w", err)
	}
	dir := parentDir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("ocspxy: config watcher: %w", err)
	}
	w.fsWatcher = fw
	w.debouncer = newReloadDebouncer(250 * time.Millisecond)

	go w.run()
	return w, nil
}

func (w *ConfigWatcher) run() {
	if w.fsWatcher == nil {
		return
	}
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if ev.Name != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.debouncer.trigger(w.reload)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "err", err)
		}
	}
}

func (w *ConfigWatcher) reload() {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous values", "err", err)
		return
	}
	if cfg.Logging.Verbose != w.live.Verbose() {
		w.live.verbose.Store(cfg.Logging.Verbose)
		w.logger.Info("config reloaded", "logging.verbose", cfg.Logging.Verbose)
	}
	if cfg.Store.Prefix != w.live.Prefix() {
		w.live.prefix.Store(cfg.Store.Prefix)
		w.logger.Info("config reloaded", "store.prefix", cfg.Store.Prefix)
	}
}

// Stop stops the watcher.
func (w *ConfigWatcher) Stop() {
	close(w.stopCh)
	if w.fsWatcher != nil {
		w.fsWatcher.Close()
	}
}

func parentDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

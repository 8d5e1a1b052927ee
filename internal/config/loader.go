// Package config loads the configuration from tier defaults, an optional
// YAML file and environment overrides, and hot-reloads rule thresholds.
package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Load builds the effective configuration. Precedence, lowest to highest:
// tier defaults, the YAML file at path (skipped when path is empty),
// KESTREL_* environment variables.
func Load(path string) (*domain.Config, error) {
	cfg := domain.DefaultConfig()
	if os.Getenv("KESTREL_TIER") == string(domain.TierPro) {
		cfg = domain.ProConfig()
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variables on the loaded config. Only the
// knobs that vary between deployments of the same file are exposed.
func applyEnv(cfg *domain.Config) {
	if v := os.Getenv("KESTREL_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("KESTREL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("KESTREL_STATE_BACKEND"); v != "" {
		cfg.State.Backend = v
	}
	if v := os.Getenv("KESTREL_REDIS_ADDR"); v != "" {
		cfg.State.RedisAddr = v
	}
	if v := os.Getenv("KESTREL_REDIS_PASSWORD"); v != "" {
		cfg.State.RedisPassword = v
	}
	if v := os.Getenv("KESTREL_SQLITE_PATH"); v != "" {
		cfg.State.SQLitePath = v
	}
	if v := os.Getenv("KESTREL_STREAM_TYPE"); v != "" {
		cfg.Stream.Type = v
	}
	if v := os.Getenv("KESTREL_NATS_URL"); v != "" {
		cfg.Stream.NATSUrl = v
	}
	if v := os.Getenv("KESTREL_KAFKA_BROKERS"); v != "" {
		cfg.Stream.KafkaBrokers = v
	}
	if v := os.Getenv("KESTREL_LARGE_AMOUNT_THRESHOLD"); v != "" {
		if threshold, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Rules.LargeAmountThreshold = threshold
		}
	}
	if v := os.Getenv("KESTREL_RAPID_WINDOW"); v != "" {
		if window, err := time.ParseDuration(v); err == nil {
			cfg.Rules.RapidWindow = window
		}
	}
	if v := os.Getenv("KESTREL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if os.Getenv("KESTREL_DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}
}

// Watcher hot-reloads the rule thresholds from the config file. Only
// RulesConfig is live; everything else requires a restart.
type Watcher struct {
	path     string
	mu       sync.Mutex
	onChange []func(domain.RulesConfig)
}

// NewWatcher creates a watcher for the config file at path.
func NewWatcher(path string) *Watcher {
	return &Watcher{path: path}
}

// OnChange registers a callback invoked with the new thresholds whenever the
// file reloads successfully.
func (w *Watcher) OnChange(fn func(domain.RulesConfig)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, fn)
}

// Watch starts a background goroutine that reloads on file changes. Call the
// returned stop function to clean up. A reload that fails to parse keeps the
// previous thresholds.
func (w *Watcher) Watch() (stop func(), err error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	if err := fw.Add(w.path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config watcher add %s: %w", w.path, err)
	}

	done := make(chan struct{})
	go func() {
		defer fw.Close()
		for {
			select {
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					w.reload()
				}
			case <-fw.Errors:
				// Ignore watcher errors.
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }, nil
}

// Reload forces an immediate re-read of the file.
func (w *Watcher) Reload() error {
	return w.reload()
}

func (w *Watcher) reload() error {
	// Run the full load so thresholds absent from the file fall back to
	// defaults and environment overrides instead of zero values.
	cfg, err := Load(w.path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	callbacks := make([]func(domain.RulesConfig), len(w.onChange))
	copy(callbacks, w.onChange)
	w.mu.Unlock()

	for _, fn := range callbacks {
		fn(cfg.Rules)
	}
	return nil
}

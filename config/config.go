// Package config loads the YAML configuration describing one or more
// named connection pools, with environment variable substitution and
// hot reload — adapted from the teacher's internal/config, generalized
// from per-tenant proxy routing to per-pool dial settings.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for a sqlcore deployment: one or
// more named pools plus the defaults they inherit from.
type Config struct {
	Defaults PoolDefaults          `yaml:"defaults"`
	Pools    map[string]PoolConfig `yaml:"pools"`
	API      APIConfig             `yaml:"api"`
}

// APIConfig configures the read-only status HTTP server.
type APIConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

// PoolDefaults are applied to any PoolConfig field left unset.
type PoolDefaults struct {
	Size             int           `yaml:"size"`
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`
	MaxQueueDepth    int           `yaml:"max_queue_depth"`
}

// PoolConfig holds the dial configuration for a single named pool.
type PoolConfig struct {
	Kind             string         `yaml:"kind"` // "postgres" or "mysql"
	ConnInfo         string         `yaml:"conn_info"`
	Size             *int           `yaml:"size,omitempty"`
	ReconnectBackoff *time.Duration `yaml:"reconnect_backoff,omitempty"`
	MaxQueueDepth    *int           `yaml:"max_queue_depth,omitempty"`
}

// EffectiveSize returns the pool's configured size or the default.
func (p PoolConfig) EffectiveSize(defaults PoolDefaults) int {
	if p.Size != nil {
		return *p.Size
	}
	return defaults.Size
}

// EffectiveReconnectBackoff returns the pool's configured backoff or the default.
func (p PoolConfig) EffectiveReconnectBackoff(defaults PoolDefaults) time.Duration {
	if p.ReconnectBackoff != nil {
		return *p.ReconnectBackoff
	}
	return defaults.ReconnectBackoff
}

// EffectiveMaxQueueDepth returns the pool's configured queue bound or the default.
func (p PoolConfig) EffectiveMaxQueueDepth(defaults PoolDefaults) int {
	if p.MaxQueueDepth != nil {
		return *p.MaxQueueDepth
	}
	return defaults.MaxQueueDepth
}

// Redacted returns a copy of the PoolConfig with any credentials in
// ConnInfo masked, for safe logging.
func (p PoolConfig) Redacted() PoolConfig {
	c := p
	c.ConnInfo = "***REDACTED***"
	return c
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Defaults.Size == 0 {
		cfg.Defaults.Size = 8
	}
	if cfg.Defaults.ReconnectBackoff == 0 {
		cfg.Defaults.ReconnectBackoff = time.Second
	}
	if cfg.API.Bind == "" {
		cfg.API.Bind = "127.0.0.1"
	}
	if cfg.API.Port == 0 {
		cfg.API.Port = 8080
	}
}

func validate(cfg *Config) error {
	for name, p := range cfg.Pools {
		if p.Kind != "postgres" && p.Kind != "mysql" {
			return fmt.Errorf("pool %q: unsupported kind %q (must be postgres or mysql)", name, p.Kind)
		}
		if p.ConnInfo == "" {
			return fmt.Errorf("pool %q: conn_info is required", name)
		}
	}
	return nil
}

// Watcher watches a config file for changes and calls the callback with the new config.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "err", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		slog.Warn("config hot-reload failed", "err", err)
		return
	}

	slog.Info("configuration reloaded", "path", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}

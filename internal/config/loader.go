package config

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"

	"github.com/archonlabs/archon/internal/bus"
	"github.com/archonlabs/archon/pkg/models"
)

// Load reads and validates a configuration file. YAML is the default format;
// .json/.json5 files are parsed as JSON5. ${ENV} references are expanded
// before parsing.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	expanded := os.ExpandEnv(string(data))

	cfg, err := parse([]byte(expanded), path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func parse(data []byte, pathHint string) (*Config, error) {
	ext := strings.ToLower(filepath.Ext(pathHint))
	if ext == ".json" || ext == ".json5" {
		var cfg Config
		if err := json5.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		return &cfg, nil
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}
	return &cfg, nil
}

// Manager serves an immutable configuration snapshot and reloads it when the
// file changes. Readers call Snapshot and never observe a half-applied
// config: reload builds a new *Config and swaps the pointer atomically.
type Manager struct {
	path    string
	current atomic.Pointer[Config]
	bus     *bus.Bus
	logger  *slog.Logger
	watcher *fsnotify.Watcher
}

// NewManager loads the initial configuration from path.
func NewManager(path string, eventBus *bus.Bus, logger *slog.Logger) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		path:   path,
		bus:    eventBus,
		logger: logger.With("component", "config"),
	}
	m.current.Store(cfg)
	return m, nil
}

// Snapshot returns the active configuration. The returned value is shared and
// must not be mutated.
func (m *Manager) Snapshot() *Config {
	return m.current.Load()
}

// Watch reloads the configuration when the file changes and publishes a
// config_reloaded event. Invalid edits are logged and the previous snapshot
// stays active.
func (m *Manager) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", m.path, err)
	}
	m.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(m.path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				m.reload()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.logger.Warn("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (m *Manager) reload() {
	cfg, err := Load(m.path)
	if err != nil {
		m.logger.Error("config reload failed, keeping previous snapshot", "error", err)
		return
	}
	m.current.Store(cfg)
	m.logger.Info("config reloaded", "path", m.path)
	if m.bus != nil {
		m.bus.Publish(models.NewEvent(models.EventConfigReloaded, ""))
	}
}

// Close stops the watcher.
func (m *Manager) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

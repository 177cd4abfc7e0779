// Package config defines the proxy configuration and its read-only snapshot.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the full proxy configuration. Loaded once at startup and reloaded
// on file change; consumers hold an immutable *Config snapshot obtained from a
// Manager and never mutate it.
type Config struct {
	Server     ServerConfig              `yaml:"server" json:"server"`
	Routing    RoutingConfig             `yaml:"routing" json:"routing"`
	Providers  map[string]ProviderConfig `yaml:"providers" json:"providers"`
	Models     map[string]string         `yaml:"models" json:"models"` // model id -> provider name
	Loop       LoopConfig                `yaml:"loop" json:"loop"`
	ToolServer ToolServerConfig          `yaml:"tool_server" json:"tool_server"`
	Profiles   ProfileStoreConfig        `yaml:"profiles" json:"profiles"`
	Sessions   SessionConfig             `yaml:"sessions" json:"sessions"`
	Logging    LoggingConfig             `yaml:"logging" json:"logging"`
}

// ServerConfig configures the HTTP front-end.
type ServerConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RoutingConfig selects the architect and executor models.
type RoutingConfig struct {
	// MainModel is the architect model id.
	MainModel string `yaml:"main_model" json:"main_model"`

	// ExecutorModel, when distinct from MainModel, enables the dual-model
	// split for tool-call extraction.
	ExecutorModel string `yaml:"executor_model" json:"executor_model"`

	// DualModel enables the architect+executor pipeline even for requests
	// that declare no tools.
	DualModel bool `yaml:"dual_model" json:"dual_model"`

	// DefaultProvider serves models with no explicit mapping.
	DefaultProvider string `yaml:"default_provider" json:"default_provider"`
}

// ProviderKind identifies an upstream provider flavor.
type ProviderKind string

const (
	ProviderOpenAI     ProviderKind = "openai"
	ProviderLocal      ProviderKind = "local"
	ProviderAzure      ProviderKind = "azure"
	ProviderOpenRouter ProviderKind = "openrouter"
)

// ProviderConfig configures one upstream LLM provider.
type ProviderConfig struct {
	Kind    ProviderKind `yaml:"kind" json:"kind"`
	APIKey  string       `yaml:"api_key" json:"api_key"`
	BaseURL string       `yaml:"base_url" json:"base_url"`

	// Azure-specific fields.
	Resource   string `yaml:"resource" json:"resource"`
	Deployment string `yaml:"deployment" json:"deployment"`
	APIVersion string `yaml:"api_version" json:"api_version"`

	// OpenRouter attribution headers.
	AppName string `yaml:"app_name" json:"app_name"`
	SiteURL string `yaml:"site_url" json:"site_url"`
}

// LoopConfig bounds the agentic loop.
type LoopConfig struct {
	// MaxIterations is the architect iteration budget. Default: 8.
	MaxIterations int `yaml:"max_iterations" json:"max_iterations"`

	// TotalDeadline caps one request's wall clock. Default: 5m.
	TotalDeadline time.Duration `yaml:"total_deadline" json:"total_deadline"`

	// StepDeadline caps one architect step. Default: 60s.
	StepDeadline time.Duration `yaml:"step_deadline" json:"step_deadline"`

	// ToolDeadline caps one tool call. Default: 30s.
	ToolDeadline time.Duration `yaml:"tool_deadline" json:"tool_deadline"`

	// ParallelTools caps concurrent tool calls per request. Default: 4.
	ParallelTools int `yaml:"parallel_tools" json:"parallel_tools"`
}

// ToolServerConfig configures the tool-server supervisor.
type ToolServerConfig struct {
	// RemoteURL is the HTTP tool server base URL. When it answers the
	// health probe, the remote transport is used.
	RemoteURL string `yaml:"remote_url" json:"remote_url"`

	// HealthTimeout bounds the remote health probe. Default: 2s.
	HealthTimeout time.Duration `yaml:"health_timeout" json:"health_timeout"`

	// Command and Args spawn the local subprocess fallback.
	Command string   `yaml:"command" json:"command"`
	Args    []string `yaml:"args" json:"args"`
	WorkDir string   `yaml:"workdir" json:"workdir"`

	// ToolListTTL bounds the tools/list cache. Default: 60s.
	ToolListTTL time.Duration `yaml:"tool_list_ttl" json:"tool_list_ttl"`

	// Reconnect backoff parameters.
	ReconnectInitial time.Duration `yaml:"reconnect_initial" json:"reconnect_initial"`
	ReconnectMax     time.Duration `yaml:"reconnect_max" json:"reconnect_max"`
}

// ProfileStoreConfig locates the capability profile store.
type ProfileStoreConfig struct {
	// Path is the JSON profile store file.
	Path string `yaml:"path" json:"path"`
}

// SessionConfig locates the turn-record store.
type SessionConfig struct {
	// Dir receives one JSON file per persisted turn.
	Dir string `yaml:"dir" json:"dir"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// ApplyDefaults fills zero values with operational defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8555
	}
	if c.Loop.MaxIterations == 0 {
		c.Loop.MaxIterations = 8
	}
	if c.Loop.TotalDeadline <= 0 {
		c.Loop.TotalDeadline = 5 * time.Minute
	}
	if c.Loop.StepDeadline <= 0 {
		c.Loop.StepDeadline = 60 * time.Second
	}
	if c.Loop.ToolDeadline <= 0 {
		c.Loop.ToolDeadline = 30 * time.Second
	}
	if c.Loop.ParallelTools <= 0 {
		c.Loop.ParallelTools = 4
	}
	if c.ToolServer.HealthTimeout <= 0 {
		c.ToolServer.HealthTimeout = 2 * time.Second
	}
	if c.ToolServer.ToolListTTL <= 0 {
		c.ToolServer.ToolListTTL = 60 * time.Second
	}
	if c.ToolServer.ReconnectInitial <= 0 {
		c.ToolServer.ReconnectInitial = 250 * time.Millisecond
	}
	if c.ToolServer.ReconnectMax <= 0 {
		c.ToolServer.ReconnectMax = 30 * time.Second
	}
	if c.Sessions.Dir == "" {
		c.Sessions.Dir = "sessions"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks the configuration for startup-blocking problems.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Routing.MainModel) == "" {
		return fmt.Errorf("routing.main_model is required")
	}
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider is required")
	}
	for name, p := range c.Providers {
		switch p.Kind {
		case ProviderOpenAI, ProviderOpenRouter:
			if p.APIKey == "" {
				return fmt.Errorf("provider %s: api_key is required", name)
			}
		case ProviderLocal:
			if p.BaseURL == "" {
				return fmt.Errorf("provider %s: base_url is required", name)
			}
		case ProviderAzure:
			if p.Resource == "" || p.Deployment == "" {
				return fmt.Errorf("provider %s: resource and deployment are required", name)
			}
			if p.APIKey == "" {
				return fmt.Errorf("provider %s: api_key is required", name)
			}
		default:
			return fmt.Errorf("provider %s: unknown kind %q", name, p.Kind)
		}
	}
	if c.ToolServer.RemoteURL != "" &&
		!strings.HasPrefix(c.ToolServer.RemoteURL, "http://") &&
		!strings.HasPrefix(c.ToolServer.RemoteURL, "https://") {
		return fmt.Errorf("tool_server.remote_url must start with http:// or https://")
	}
	return nil
}

// ProviderFor resolves the provider name serving a model id. The explicit
// model map wins; otherwise the routing default applies.
func (c *Config) ProviderFor(model string) string {
	if name, ok := c.Models[model]; ok {
		return name
	}
	return c.Routing.DefaultProvider
}

// Package providers hides upstream LLM differences behind one call shape:
// a transcript and tool schemas go in, a stream of chunks comes out. The
// closed provider set is openai, local (OpenAI-compatible HTTP), azure
// (resource + deployment), and openrouter.
package providers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/archonlabs/archon/internal/config"
	"github.com/archonlabs/archon/pkg/models"
)

// CompletionRequest is the provider-neutral request shape.
type CompletionRequest struct {
	Model       string
	Messages    []models.Message
	Tools       []models.ToolSchema
	Temperature *float32
	MaxTokens   int
}

// Usage reports upstream token accounting for a completed call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionChunk is one unit of a streaming response. Text chunks arrive as
// the model produces them; a native tool call arrives as a complete unit once
// its arguments are fully accumulated. Done is the final chunk, carrying
// usage when the upstream reported it.
type CompletionChunk struct {
	Text     string
	ToolCall *models.ToolCall
	Usage    *Usage
	Done     bool
	Err      error
}

// Provider is one upstream LLM endpoint.
type Provider interface {
	// Name returns the configured provider name.
	Name() string

	// Complete starts a streaming completion. The returned channel is
	// closed after the Done chunk. Errors establishing the stream are
	// returned directly; errors mid-stream arrive as a chunk with Err set.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)
}

// Registry resolves a model id to the Provider serving it.
type Registry struct {
	providers map[string]Provider
	cfg       *config.Config
}

// NewRegistry constructs one Provider per configured provider entry.
func NewRegistry(cfg *config.Config, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reg := &Registry{
		providers: make(map[string]Provider, len(cfg.Providers)),
		cfg:       cfg,
	}
	for name, pc := range cfg.Providers {
		p, err := build(name, pc, logger)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		reg.providers[name] = p
	}
	return reg, nil
}

func build(name string, pc config.ProviderConfig, logger *slog.Logger) (Provider, error) {
	switch pc.Kind {
	case config.ProviderOpenAI:
		return NewOpenAIProvider(name, pc, logger)
	case config.ProviderLocal:
		return NewLocalProvider(name, pc, logger)
	case config.ProviderAzure:
		return NewAzureProvider(name, pc, logger)
	case config.ProviderOpenRouter:
		return NewOpenRouterProvider(name, pc, logger)
	default:
		return nil, fmt.Errorf("unknown provider kind %q", pc.Kind)
	}
}

// ForModel returns the provider serving the given model id.
func (r *Registry) ForModel(model string) (Provider, error) {
	name := r.cfg.ProviderFor(model)
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("no provider configured for model %q (resolved to %q)", model, name)
	}
	return p, nil
}

// Get returns a provider by its configured name.
func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

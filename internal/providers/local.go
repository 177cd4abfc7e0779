package providers

import (
	"context"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/archonlabs/archon/internal/config"
)

// LocalProvider talks to a local inference server that speaks the
// OpenAI-compatible HTTP API (LM Studio, Ollama's /v1, vLLM). No API key is
// required; a placeholder is sent because some servers reject empty auth.
type LocalProvider struct {
	base
}

// NewLocalProvider builds a local provider against pc.BaseURL.
func NewLocalProvider(name string, pc config.ProviderConfig, logger *slog.Logger) (*LocalProvider, error) {
	apiKey := pc.APIKey
	if apiKey == "" {
		apiKey = "local"
	}
	clientConfig := openai.DefaultConfig(apiKey)
	clientConfig.BaseURL = strings.TrimRight(pc.BaseURL, "/")
	return &LocalProvider{
		base: newBase(name, openai.NewClientWithConfig(clientConfig), logger),
	}, nil
}

// Complete implements Provider.
func (p *LocalProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	return p.complete(ctx, req)
}

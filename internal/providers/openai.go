package providers

import (
	"context"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"

	"github.com/archonlabs/archon/internal/config"
)

// OpenAIProvider talks to the hosted OpenAI-compatible API with an API key.
type OpenAIProvider struct {
	base
}

// NewOpenAIProvider builds an OpenAI provider. An alternate BaseURL may point
// the same kind at any compatible hosted endpoint.
func NewOpenAIProvider(name string, pc config.ProviderConfig, logger *slog.Logger) (*OpenAIProvider, error) {
	if pc.APIKey == "" {
		return nil, errMissingKey
	}
	clientConfig := openai.DefaultConfig(pc.APIKey)
	if pc.BaseURL != "" {
		clientConfig.BaseURL = pc.BaseURL
	}
	return &OpenAIProvider{
		base: newBase(name, openai.NewClientWithConfig(clientConfig), logger),
	}, nil
}

// Complete implements Provider.
func (p *OpenAIProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	return p.complete(ctx, req)
}

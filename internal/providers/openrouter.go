package providers

import (
	"context"
	"log/slog"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/archonlabs/archon/internal/config"
)

const openRouterBaseURL = "https://openrouter.ai/api/v1"

// OpenRouterProvider talks to the OpenRouter aggregator. Model ids use the
// provider/model form ("openai/gpt-4o"). Attribution headers identify the app
// in the OpenRouter dashboard.
type OpenRouterProvider struct {
	base
}

// NewOpenRouterProvider builds an OpenRouter provider.
func NewOpenRouterProvider(name string, pc config.ProviderConfig, logger *slog.Logger) (*OpenRouterProvider, error) {
	if pc.APIKey == "" {
		return nil, errMissingKey
	}
	clientConfig := openai.DefaultConfig(pc.APIKey)
	clientConfig.BaseURL = openRouterBaseURL
	if pc.BaseURL != "" {
		clientConfig.BaseURL = pc.BaseURL
	}
	if pc.AppName != "" || pc.SiteURL != "" {
		clientConfig.HTTPClient = &http.Client{
			Transport: &attributionTransport{
				appName: pc.AppName,
				siteURL: pc.SiteURL,
				next:    http.DefaultTransport,
			},
		}
	}
	return &OpenRouterProvider{
		base: newBase(name, openai.NewClientWithConfig(clientConfig), logger),
	}, nil
}

// Complete implements Provider.
func (p *OpenRouterProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	return p.complete(ctx, req)
}

// attributionTransport injects OpenRouter's optional app-identification
// headers on every request.
type attributionTransport struct {
	appName string
	siteURL string
	next    http.RoundTripper
}

func (t *attributionTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	if t.siteURL != "" {
		clone.Header.Set("HTTP-Referer", t.siteURL)
	}
	if t.appName != "" {
		clone.Header.Set("X-Title", t.appName)
	}
	return t.next.RoundTrip(clone)
}

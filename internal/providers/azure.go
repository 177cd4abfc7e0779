package providers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/archonlabs/archon/internal/config"
)

const defaultAzureAPIVersion = "2024-02-15-preview"

// AzureProvider talks to a tenant-scoped Azure OpenAI deployment. The model
// id in requests maps to the configured deployment name.
type AzureProvider struct {
	base
	deployment string
}

// NewAzureProvider builds an Azure provider from resource, deployment and
// api-version.
func NewAzureProvider(name string, pc config.ProviderConfig, logger *slog.Logger) (*AzureProvider, error) {
	if pc.APIKey == "" {
		return nil, errMissingKey
	}
	endpoint := pc.BaseURL
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.openai.azure.com", pc.Resource)
	}
	apiVersion := pc.APIVersion
	if apiVersion == "" {
		apiVersion = defaultAzureAPIVersion
	}

	clientConfig := openai.DefaultAzureConfig(pc.APIKey, strings.TrimRight(endpoint, "/"))
	clientConfig.APIVersion = apiVersion
	deployment := pc.Deployment
	clientConfig.AzureModelMapperFunc = func(model string) string {
		return deployment
	}

	return &AzureProvider{
		base:       newBase(name, openai.NewClientWithConfig(clientConfig), logger),
		deployment: deployment,
	}, nil
}

// Complete implements Provider.
func (p *AzureProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	return p.complete(ctx, req)
}

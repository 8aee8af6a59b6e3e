package provider

import (
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3/azure"
)

const (
	DefaultAzureDeployment = "gpt-4o"
	DefaultAzureAPIVersion = "2024-02-15-preview"
)

// AzureProvider calls an Azure OpenAI deployment. Model holds the deployment name.
type AzureProvider struct {
	chatAdapter
}

var _ VisionProvider = (*AzureProvider)(nil)

func NewAzure(cfg Config) (*AzureProvider, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("azure: endpoint is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultAzureDeployment
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAzureAPIVersion
	}
	return &AzureProvider{chatAdapter: newChatAdapter(Azure, cfg,
		azure.WithEndpoint(strings.TrimSuffix(cfg.Endpoint, "/"), cfg.APIVersion),
		azure.WithAPIKey(cfg.Credential),
	)}, nil
}

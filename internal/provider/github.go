package provider

import (
	"strings"

	"github.com/openai/openai-go/v3/option"
)

const (
	DefaultGitHubEndpoint = "https://models.github.ai/inference"
	DefaultGitHubModel    = "meta/Llama-3.2-11B-Vision-Instruct"
)

// GitHubProvider calls the GitHub Models inference endpoint with a bearer token.
type GitHubProvider struct {
	chatAdapter
}

var _ VisionProvider = (*GitHubProvider)(nil)

func NewGitHub(cfg Config) *GitHubProvider {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultGitHubEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = DefaultGitHubModel
	}
	return &GitHubProvider{chatAdapter: newChatAdapter(GitHub, cfg,
		option.WithBaseURL(withTrailingSlash(cfg.Endpoint)),
		option.WithAPIKey(cfg.Credential),
	)}
}

func withTrailingSlash(s string) string {
	if strings.HasSuffix(s, "/") {
		return s
	}
	return s + "/"
}

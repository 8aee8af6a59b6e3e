// Package provider holds the vision inference backends. Every backend is a
// compile-time checked VisionProvider; the set of identifiers is closed.
package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"

	"github.com/example/androidvision/internal/payload"
)

// ID names a supported provider.
type ID string

const (
	GitHub ID = "github"
	Azure  ID = "azure"
)

// IDs lists every supported provider in a stable order.
func IDs() []ID { return []ID{GitHub, Azure} }

// ParseID normalizes s and rejects identifiers outside the closed set.
func ParseID(s string) (ID, error) {
	id := ID(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range IDs() {
		if id == known {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProvider, s)
}

// Config is the static, read-only configuration of one provider.
type Config struct {
	Credential string
	Endpoint   string
	Model      string
	APIVersion string
	// Temperature falls back to DefaultTemperature when nil. Zero is honored.
	Temperature *float64
	MaxTokens   int64
}

// HasCredential reports whether a non-blank credential is configured.
func (c Config) HasCredential() bool {
	return strings.TrimSpace(c.Credential) != ""
}

// Request is an immutable, provider-specific inference request.
type Request struct {
	Provider ID
	Model    string
	Params   openai.ChatCompletionNewParams
}

// VisionProvider is implemented by every inference backend.
type VisionProvider interface {
	ID() ID
	// BuildRequest embeds the fixed extraction prompt and the encoded image.
	BuildRequest(p payload.Payload) Request
	// Invoke performs the network call. Provider-reported failures come back
	// as *APIError; transport failures are returned as-is.
	Invoke(ctx context.Context, req Request) (*openai.ChatCompletion, error)
	// ExtractText returns ErrUnexpectedResponseShape when no completion is present.
	ExtractText(resp *openai.ChatCompletion) (string, error)
}

// New constructs the adapter for id.
func New(id ID, cfg Config) (VisionProvider, error) {
	switch id {
	case GitHub:
		return NewGitHub(cfg), nil
	case Azure:
		return NewAzure(cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, id)
	}
}

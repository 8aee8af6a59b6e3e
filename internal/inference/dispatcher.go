// Package inference resolves a provider, performs one bounded inference call
// and normalizes the outcome.
package inference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/androidvision/internal/payload"
	"github.com/example/androidvision/internal/provider"
)

const DefaultTimeout = 60 * time.Second

// Entry pairs an adapter with the configuration it was built from.
type Entry struct {
	Provider provider.VisionProvider
	Config   provider.Config
}

// Dispatcher is safe for concurrent use; its entries never change after construction.
type Dispatcher struct {
	entries map[provider.ID]Entry
	timeout time.Duration
}

func NewDispatcher(timeout time.Duration, entries ...Entry) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	m := make(map[provider.ID]Entry, len(entries))
	for _, e := range entries {
		m[e.Provider.ID()] = e
	}
	return &Dispatcher{entries: m, timeout: timeout}
}

// EntriesFromConfig builds an adapter for every provider that has enough
// configuration to exist. Providers without an endpoint default (azure) are
// skipped when their endpoint is empty.
func EntriesFromConfig(configs map[provider.ID]provider.Config) ([]Entry, error) {
	entries := make([]Entry, 0, len(configs))
	for _, id := range provider.IDs() {
		cfg, ok := configs[id]
		if !ok {
			continue
		}
		if id == provider.Azure && cfg.Endpoint == "" {
			continue
		}
		p, err := provider.New(id, cfg)
		if err != nil {
			return nil, fmt.Errorf("build %s provider: %w", id, err)
		}
		entries = append(entries, Entry{Provider: p, Config: cfg})
	}
	return entries, nil
}

// Configured reports whether providerID resolves to an adapter.
func (d *Dispatcher) Configured(providerID string) bool {
	id, err := provider.ParseID(providerID)
	if err != nil {
		return false
	}
	_, ok := d.entries[id]
	return ok
}

// Timeout is the bound applied to each provider call.
func (d *Dispatcher) Timeout() time.Duration { return d.timeout }

// Dispatch never retries. Unknown providers and missing credentials fail
// before any network activity.
func (d *Dispatcher) Dispatch(ctx context.Context, providerID string, p payload.Payload) Result {
	id, err := provider.ParseID(providerID)
	if err != nil {
		return Failed(Failf(KindUnknownProvider, err, "unknown provider %q", providerID))
	}
	entry, ok := d.entries[id]
	if !ok {
		return Failed(Failf(KindUnknownProvider, provider.ErrUnknownProvider, "provider %q is not configured", id))
	}
	if !entry.Config.HasCredential() {
		return Failed(Failf(KindMissingCredential, provider.ErrMissingCredential, "provider %q has no credential configured", id))
	}

	req := entry.Provider.BuildRequest(p)

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	resp, err := entry.Provider.Invoke(callCtx, req)
	if err != nil {
		return Failed(d.classify(id, err))
	}
	text, err := entry.Provider.ExtractText(resp)
	if err != nil {
		return Failed(d.classify(id, err))
	}
	return Succeeded(text)
}

func (d *Dispatcher) classify(id provider.ID, err error) *Error {
	var apiErr *provider.APIError
	switch {
	case errors.Is(err, provider.ErrUnexpectedResponseShape):
		return Failf(KindUnexpectedResponseShape, err, "%s returned a response without a completion", id)
	case errors.As(err, &apiErr):
		return Failf(KindProviderAPI, err, "%s", apiErr.Error())
	case isTimeout(err):
		return Failf(KindTimeout, err, "%s inference request timed out after %s", id, d.timeout)
	case errors.Is(err, context.Canceled):
		return Failf(KindTransport, err, "%s inference request was canceled", id)
	default:
		return Failf(KindTransport, err, "%s inference request failed: provider unreachable", id)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

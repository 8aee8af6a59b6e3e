package provider

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrUnknownProvider         = errors.New("unknown provider")
	ErrMissingCredential       = errors.New("missing provider credential")
	ErrUnexpectedResponseShape = errors.New("unexpected response shape")
)

// APIError is an error reported by the provider itself, as opposed to a
// failure reaching it.
type APIError struct {
	Provider   ID
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("%s API error: %d - %s", e.Provider, e.StatusCode, msg)
}

func asAPIError(id ID, err error) error {
	var sdkErr *openaiError
	if !errors.As(err, &sdkErr) {
		return err
	}
	return &APIError{Provider: id, StatusCode: sdkErr.StatusCode, Message: sdkErr.Message}
}

package inference

import (
	"fmt"
	"net/http"
)

// Kind classifies a failed request.
type Kind string

const (
	KindInvalidRequest          Kind = "invalid_request"
	KindInvalidImage            Kind = "invalid_image"
	KindUnknownProvider         Kind = "unknown_provider"
	KindMissingCredential       Kind = "missing_credential"
	KindTimeout                 Kind = "timeout"
	KindTransport               Kind = "transport_failure"
	KindProviderAPI             Kind = "provider_api_error"
	KindUnexpectedResponseShape Kind = "unexpected_response_shape"
	KindInternal                Kind = "internal"
)

// HTTPStatus maps the kind to the status returned to callers.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidRequest, KindInvalidImage:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Error is the caller-facing failure. Message is safe to return over the
// wire; Cause is for logs only.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Cause }

// Failf builds an Error of the given kind.
func Failf(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

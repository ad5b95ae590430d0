package gateway

import (
	"fmt"
	"net/http"

	"github.com/gabztoo/Perpetuo/internal/classify"
)

// Error types rendered in the API error body.
const (
	TypeAuthentication   = "authentication_error"
	TypeRateLimit        = "rate_limit_exceeded"
	TypeQuota            = "quota_exceeded"
	TypeInternal         = "internal_error"
	TypeProvider         = "provider_error"
	TypeInvalidRequest   = "invalid_request_error"
	TypeRequestCancelled = "request_cancelled"
)

// StatusClientClosedRequest is returned when the caller went away mid-chain.
const StatusClientClosedRequest = 499

// Error is a request-level failure. It carries everything the API needs to
// render the response body.
type Error struct {
	Status             int      `json:"-"`
	Type               string   `json:"type"`
	Message            string   `json:"message"`
	Provider           string   `json:"provider,omitempty"`
	ProvidersAttempted []string `json:"providers_attempted,omitempty"`
	LastError          string   `json:"last_error,omitempty"`
	RetryAfter         int      `json:"-"`
	// Err is the underlying cause, matched with errors.Is.
	Err error `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Type, e.Status, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func authError(msg string, cause error) *Error {
	return &Error{Status: http.StatusUnauthorized, Type: TypeAuthentication, Message: msg, Err: cause}
}

func invalidRequest(msg string, cause error) *Error {
	return &Error{Status: http.StatusBadRequest, Type: TypeInvalidRequest, Message: msg, Err: cause}
}

func internalError(msg string, cause error) *Error {
	return &Error{Status: http.StatusInternalServerError, Type: TypeInternal, Message: msg, Err: cause}
}

func cancelledError(attempted []string) *Error {
	return &Error{
		Status:             StatusClientClosedRequest,
		Type:               TypeRequestCancelled,
		Message:            "client closed the request",
		ProvidersAttempted: attempted,
	}
}

// fatalError maps a non-retryable classification to the response status.
func fatalError(provider string, c classify.Classification, cause error, attempted []string) *Error {
	status := http.StatusBadGateway
	switch c.Reason {
	case classify.ReasonBYOKInvalid:
		status = http.StatusUnauthorized
	case classify.ReasonProviderQuotaExceeded:
		status = http.StatusForbidden
	}
	return &Error{
		Status:             status,
		Type:               TypeProvider,
		Message:            fmt.Sprintf("%s: %s", c.Reason, c.Explanation),
		Provider:           provider,
		ProvidersAttempted: attempted,
		LastError:          cause.Error(),
		Err:                cause,
	}
}

func exhaustedError(attempted []string, lastErr string, cause error) *Error {
	return &Error{
		Status:             http.StatusBadGateway,
		Type:               TypeProvider,
		Message:            "All providers failed",
		ProvidersAttempted: attempted,
		LastError:          lastErr,
		Err:                cause,
	}
}

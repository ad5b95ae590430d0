// Package provider holds what every upstream client shares: turning non-2xx
// responses and transport failures into *domain.ProviderError.
package provider

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gabztoo/Perpetuo/internal/domain"
)

var ErrMissingCredential = errors.New("missing provider credential")

const maxErrorBody = 2048

// StatusError reads a bounded slice of an error response body into a
// ProviderError carrying the upstream status.
func StatusError(provider string, resp *http.Response) *domain.ProviderError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &domain.ProviderError{
		Provider:   provider,
		StatusCode: resp.StatusCode,
		Message:    msg,
	}
}

// TransportError wraps a failure that produced no HTTP response.
func TransportError(provider, op string, err error) *domain.ProviderError {
	return &domain.ProviderError{
		Provider: provider,
		Message:  op,
		Err:      err,
	}
}

func CredentialError(provider string) *domain.ProviderError {
	return &domain.ProviderError{
		Provider:   provider,
		StatusCode: http.StatusUnauthorized,
		Message:    "no credential supplied",
		Err:        ErrMissingCredential,
	}
}

// DecodeError reports a 2xx response whose body could not be parsed.
func DecodeError(provider string, err error) *domain.ProviderError {
	return &domain.ProviderError{
		Provider: provider,
		Message:  "decode response",
		Err:      fmt.Errorf("decode: %w", err),
	}
}

// IsSuccess reports a 2xx status.
func IsSuccess(status int) bool {
	return status >= 200 && status < 300
}

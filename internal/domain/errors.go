package domain

import (
	"errors"
	"fmt"
)

var (
	ErrTenantNotFound     = errors.New("tenant not found")
	ErrInvalidAPIKey      = errors.New("invalid API key")
	ErrTenantDisabled     = errors.New("tenant disabled")
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrBudgetExceeded     = errors.New("budget exceeded")
	ErrProviderTimeout    = errors.New("provider timeout")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")
	ErrNoConfiguration    = errors.New("no usable routing configuration")
)

// ProviderError is a failed upstream call. StatusCode is zero when the call
// never produced an HTTP response.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s error: status=%d %s", e.Provider, e.StatusCode, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s error: %s: %v", e.Provider, e.Message, e.Err)
	}
	return fmt.Sprintf("%s error: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func (e *ProviderError) HTTPStatusCode() int {
	return e.StatusCode
}

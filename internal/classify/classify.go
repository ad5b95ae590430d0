// Package classify decides whether a failed provider call may be retried on the
// next provider in the chain or must abort the whole request.
package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

type Reason string

const (
	ReasonBYOKInvalid           Reason = "BYOK_INVALID"
	ReasonProviderQuotaExceeded Reason = "PROVIDER_QUOTA_EXCEEDED"
	ReasonRateLimited           Reason = "RATE_LIMITED"
	ReasonServiceUnavailable    Reason = "SERVICE_UNAVAILABLE"
	ReasonServerError           Reason = "SERVER_ERROR"
	ReasonTimeout               Reason = "TIMEOUT"
	ReasonNetworkError          Reason = "NETWORK_ERROR"
	ReasonUnknown               Reason = "UNKNOWN_ERROR"
)

// Classification is the retry/abort verdict for one failure.
// StatusCode is zero when the failure carried no HTTP status.
type Classification struct {
	Retryable   bool
	StatusCode  int
	Reason      Reason
	Explanation string
}

// StatusCoder is satisfied by errors that carry an upstream HTTP status,
// including *domain.ProviderError and the AWS SDK response errors.
type StatusCoder interface {
	HTTPStatusCode() int
}

var (
	quotaPatterns   = []string{"quota", "billing", "access denied", "accessdenied", "insufficient_quota"}
	timeoutPatterns = []string{"timeout", "timed out", "deadline exceeded", "etimedout"}
	networkPatterns = []string{
		"econnrefused", "connection refused",
		"econnreset", "connection reset",
		"enotfound", "no such host",
		"eai_again", "network is unreachable", "broken pipe",
	}
)

// Classify maps err to a Classification. It is total and deterministic:
// status-code rules are checked first, then message patterns, and anything
// unrecognized is treated as retryable.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Retryable: true, Reason: ReasonUnknown, Explanation: "no error information available"}
	}

	status := statusOf(err)
	msg := strings.ToLower(err.Error())

	switch {
	case status == 401:
		return Classification{
			Retryable:   false,
			StatusCode:  status,
			Reason:      ReasonBYOKInvalid,
			Explanation: "provider rejected the supplied credentials",
		}
	case status == 403 && containsAny(msg, quotaPatterns):
		return Classification{
			Retryable:   false,
			StatusCode:  status,
			Reason:      ReasonProviderQuotaExceeded,
			Explanation: "provider account quota or billing limit reached",
		}
	case status == 429:
		return Classification{
			Retryable:   true,
			StatusCode:  status,
			Reason:      ReasonRateLimited,
			Explanation: "provider rate limited the request",
		}
	case status == 502 || status == 503 || status == 504:
		return Classification{
			Retryable:   true,
			StatusCode:  status,
			Reason:      ReasonServiceUnavailable,
			Explanation: fmt.Sprintf("provider unavailable (HTTP %d)", status),
		}
	case status >= 500 && status <= 599:
		return Classification{
			Retryable:   true,
			StatusCode:  status,
			Reason:      ReasonServerError,
			Explanation: fmt.Sprintf("provider server error (HTTP %d)", status),
		}
	}

	if isTimeout(err) || containsAny(msg, timeoutPatterns) {
		return Classification{
			Retryable:   true,
			StatusCode:  status,
			Reason:      ReasonTimeout,
			Explanation: "provider did not answer within its timeout",
		}
	}

	if isNetwork(err) || containsAny(msg, networkPatterns) {
		return Classification{
			Retryable:   true,
			StatusCode:  status,
			Reason:      ReasonNetworkError,
			Explanation: "could not reach provider",
		}
	}

	return Classification{
		Retryable:   true,
		StatusCode:  status,
		Reason:      ReasonUnknown,
		Explanation: "unrecognized provider failure",
	}
}

func statusOf(err error) int {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatusCode()
	}
	return 0
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isNetwork(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

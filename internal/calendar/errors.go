package calendar

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrQuotaExceeded is returned when the daily provider quota is spent
	// and no cached fallback exists for the request.
	ErrQuotaExceeded = errors.New("calendar: daily provider quota exceeded")

	// ErrCallFailed is returned when a provider call fails permanently,
	// either on a non-retryable status or after the retry budget is spent.
	ErrCallFailed = errors.New("calendar: provider call failed")
)

// ProviderError is a non-2xx response from the provider.
type ProviderError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: provider returned status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: provider returned status %d: %s", e.Op, e.StatusCode, e.Message)
}

// failureClass buckets one failed attempt for retry and backoff decisions.
type failureClass int

const (
	// failPermanent aborts immediately: 4xx responses other than 429.
	failPermanent failureClass = iota
	// failRateLimited retries with the steepest backoff: 429 responses.
	failRateLimited
	// failServer retries with moderate backoff: 5xx responses.
	failServer
	// failTransport retries with the steepest backoff and forces a
	// reconnect first: the request never produced an HTTP status
	// (connection reset, TLS handshake failure, timeout).
	failTransport
)

// classify maps one attempt's error to its failure class. Context
// cancellation is permanent: the caller has given up, retrying is noise.
func classify(err error) failureClass {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return failPermanent
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		switch {
		case pe.StatusCode == 429:
			return failRateLimited
		case pe.StatusCode >= 500:
			return failServer
		default:
			return failPermanent
		}
	}
	return failTransport
}

func (c failureClass) String() string {
	switch c {
	case failRateLimited:
		return "rate_limited"
	case failServer:
		return "server_error"
	case failTransport:
		return "transport"
	default:
		return "permanent"
	}
}

package exchange

import (
	"errors"
	"fmt"
)

// Failure taxonomy surfaced to callers. Everything the client returns wraps one
// of these sentinels (or APIError for an unrecognized status), so callers can
// branch with errors.Is without parsing messages.
var (
	// ErrNoCredentials is fatal for the calling operation; never retried.
	ErrNoCredentials = errors.New("exchange: API credentials not configured")

	// ErrNetworkUnreachable covers transport failures and 5xx server
	// responses; retryable.
	ErrNetworkUnreachable = errors.New("exchange: network unreachable")

	// ErrUnauthorized covers 401/403; not retried. Usually means the API key
	// lacks the required permission or the signature was rejected.
	ErrUnauthorized = errors.New("exchange: unauthorized")

	// ErrRateLimited covers 418/429; retry with backoff.
	ErrRateLimited = errors.New("exchange: rate limited")

	// ErrInvalidResponse marks a response body that did not match the expected
	// shape. Treated as a network-class failure for fallback purposes.
	ErrInvalidResponse = errors.New("exchange: invalid response shape")

	// ErrReconnectExhausted is raised once the reconnection schedule has run
	// out of attempts; external intervention is required.
	ErrReconnectExhausted = errors.New("exchange: reconnect attempts exhausted")
)

// APIError is returned for a non-2xx status that does not map onto one of the
// sentinel errors above.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange: unexpected status %d: %s", e.Status, e.Body)
}

// classifyStatus maps an HTTP status code onto the failure taxonomy.
func classifyStatus(status int, body string) error {
	switch {
	case status == 401 || status == 403:
		return fmt.Errorf("%w (status %d): %s", ErrUnauthorized, status, body)
	case status == 418 || status == 429:
		return fmt.Errorf("%w (status %d)", ErrRateLimited, status)
	case status >= 500:
		return fmt.Errorf("%w (status %d): %s", ErrNetworkUnreachable, status, body)
	default:
		return &APIError{Status: status, Body: body}
	}
}

// IsNetworkClass reports whether err should be treated as a network failure
// for retry and transport-fallback decisions. Unexpected response shapes and
// rate limiting count; authorization and missing credentials do not.
func IsNetworkClass(err error) bool {
	return errors.Is(err, ErrNetworkUnreachable) ||
		errors.Is(err, ErrInvalidResponse) ||
		errors.Is(err, ErrRateLimited)
}

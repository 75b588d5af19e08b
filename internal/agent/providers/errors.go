package providers

import (
	"errors"
	"fmt"
	"net/http"
)

// retryableStatuses are the HTTP statuses worth retrying with backoff.
// Everything else fails fast.
var retryableStatuses = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// APIError is a non-2xx response from a provider. Body is capped at
// errorBodyLimit bytes when read off the wire.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: API error %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s: API error %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Retryable reports whether the status is in the retryable set.
func (e *APIError) Retryable() bool {
	return retryableStatuses[e.StatusCode]
}

// AuthenticationError is a 401 or 403 from a provider. It is never retried.
type AuthenticationError struct {
	Provider   string
	StatusCode int
}

// Error implements the error interface.
func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("%s: authentication failed (HTTP %d): check the configured API key", e.Provider, e.StatusCode)
}

// IsAuthError reports whether err is an AuthenticationError.
func IsAuthError(err error) bool {
	var authErr *AuthenticationError
	return errors.As(err, &authErr)
}

// IsRetryable reports whether err is an APIError with a retryable status.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return false
}

package securityclient

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError represents a non-2xx API response.
type APIError struct {
	StatusCode int    `json:"status_code"`
	ErrorCode  string `json:"error"`
	Message    string `json:"message"`
	// RetryAfter is the server-provided delay in seconds for 429 responses.
	RetryAfter int `json:"retry_after,omitempty"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("[%d] %s", e.StatusCode, e.ErrorCode)
	}
	return fmt.Sprintf("[%d] %s: %s", e.StatusCode, e.ErrorCode, e.Message)
}

func statusIs(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

// IsRateLimited returns true if the error is a 429.
func IsRateLimited(err error) bool { return statusIs(err, http.StatusTooManyRequests) }

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool { return statusIs(err, http.StatusUnauthorized) }

// IsForbidden returns true if the error is a 403.
func IsForbidden(err error) bool { return statusIs(err, http.StatusForbidden) }

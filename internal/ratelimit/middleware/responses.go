// Package middleware writes the HTTP responses of limiter decisions: the
// X-RateLimit-* headers, 429 with Retry-After, and 403 blocks.
package middleware

import (
	"net/http"
	"strconv"

	"vitalis/internal/ratelimit/models"
	"vitalis/pkg/platform/httputil"
)

// StatusHeader is set to "degraded" while checks run on the fallback store.
const StatusHeader = "X-RateLimit-Status"

// AddRateLimitHeaders sets the X-RateLimit-* headers for result.
func AddRateLimitHeaders(w http.ResponseWriter, result *models.RateLimitResult) {
	if result == nil {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
	if result.Degraded {
		h.Set(StatusHeader, "degraded")
	}
}

// WriteRateLimitExceeded writes the 429 body with a Retry-After header.
func WriteRateLimitExceeded(w http.ResponseWriter, result *models.RateLimitResult, requestID string) {
	w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfter))
	httputil.WriteJSON(w, http.StatusTooManyRequests, &models.RateLimitExceededResponse{
		Error:      models.ErrorRateLimited,
		RetryAfter: result.RetryAfter,
		RequestID:  requestID,
	})
}

// WriteForbidden writes a 403 block body.
func WriteForbidden(w http.ResponseWriter, code, requestID string) {
	httputil.WriteJSON(w, http.StatusForbidden, &models.ForbiddenResponse{
		Error:     code,
		RequestID: requestID,
	})
}

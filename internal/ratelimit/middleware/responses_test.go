package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vitalis/internal/ratelimit/models"
)

func TestAddRateLimitHeaders(t *testing.T) {
	reset := time.Unix(1_800_000_000, 0)

	t.Run("allowed result", func(t *testing.T) {
		rec := httptest.NewRecorder()
		AddRateLimitHeaders(rec, &models.RateLimitResult{Allowed: true, Limit: 100, Remaining: 99, ResetAt: reset})

		assert.Equal(t, "100", rec.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, "99", rec.Header().Get("X-RateLimit-Remaining"))
		assert.Equal(t, "1800000000", rec.Header().Get("X-RateLimit-Reset"))
		assert.Empty(t, rec.Header().Get(StatusHeader))
	})

	t.Run("degraded result", func(t *testing.T) {
		rec := httptest.NewRecorder()
		AddRateLimitHeaders(rec, &models.RateLimitResult{Limit: 10, ResetAt: reset, Degraded: true})
		assert.Equal(t, "degraded", rec.Header().Get(StatusHeader))
	})

	t.Run("nil result", func(t *testing.T) {
		rec := httptest.NewRecorder()
		AddRateLimitHeaders(rec, nil)
		assert.Empty(t, rec.Header())
	})
}

func TestWriteRateLimitExceeded(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteRateLimitExceeded(rec, &models.RateLimitResult{Limit: 10, RetryAfter: 42}, "req-12345678")

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "42", rec.Header().Get("Retry-After"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "rate_limit_exceeded", body["error"])
	assert.EqualValues(t, 42, body["retryAfter"])
	assert.Equal(t, "req-12345678", body["requestId"])
}

func TestWriteForbidden(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteForbidden(rec, models.ErrorThreat, "req-abcdefgh")

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"error":"forbidden","requestId":"req-abcdefgh"}`, rec.Body.String())
}

package models

// RateLimitExceededResponse is the API response when rate limit is exceeded.
type RateLimitExceededResponse struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retryAfter"` // seconds
	RequestID  string `json:"requestId"`
}

// ForbiddenResponse is the API response for threat and sensitive-path blocks.
type ForbiddenResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId"`
}

// Error codes carried in block responses.
const (
	ErrorRateLimited   = "rate_limit_exceeded"
	ErrorThreat        = "forbidden"
	ErrorSensitivePath = "forbidden_path"
)

package models

import "time"

// RouteClass is a named group of route prefixes sharing one fixed-window quota.
type RouteClass struct {
	Name     string        `json:"name"`
	Prefixes []string      `json:"prefixes"`
	Requests int           `json:"requests"`
	Window   time.Duration `json:"window"`
}

// Built-in class names.
const (
	ClassDefault = "default"
	ClassUpload  = "upload"
	ClassHotRead = "hot_read"
)

// Entry is the state of one (client ip, route class) window after a hit.
type Entry struct {
	Count         int       `json:"count"`
	ResetAt       time.Time `json:"reset_at"`
	Violations    int       `json:"violations"`
	LastViolation time.Time `json:"last_violation,omitempty"`
}

// Exceeded reports whether the window count is over limit.
func (e Entry) Exceeded(limit int) bool {
	return e.Count > limit
}

// RateLimitResult represents the outcome of a rate limit check.
type RateLimitResult struct {
	Allowed    bool      `json:"allowed"`
	Class      string    `json:"class"`
	Limit      int       `json:"limit"`
	Remaining  int       `json:"remaining"`
	ResetAt    time.Time `json:"reset_at"`
	RetryAfter int       `json:"retry_after,omitempty"` // seconds, only set when not allowed
	Violations int       `json:"violations"`
	// NewViolation is true when this check recorded a violation.
	NewViolation bool `json:"-"`
	// Degraded is true when the check ran against the local fallback store.
	Degraded bool `json:"-"`
}

// NewResult derives the check outcome for entry under class at now.
func NewResult(class RouteClass, entry Entry, now time.Time) *RateLimitResult {
	res := &RateLimitResult{
		Allowed:    !entry.Exceeded(class.Requests),
		Class:      class.Name,
		Limit:      class.Requests,
		Remaining:  max(class.Requests-entry.Count, 0),
		ResetAt:    entry.ResetAt,
		Violations: entry.Violations,
	}
	if !res.Allowed {
		res.RetryAfter = RetryAfterSeconds(entry.ResetAt, now)
		res.NewViolation = true
	}
	return res
}

// RetryAfterSeconds rounds the time to reset up to whole seconds, minimum one.
func RetryAfterSeconds(resetAt, now time.Time) int {
	d := resetAt.Sub(now)
	if d <= 0 {
		return 1
	}
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}

package admin

import (
	"time"

	"vitalis/pkg/platform/audit/batcher"
)

// SuspiciousIPResponse is one marked client. Only the anonymised network
// prefix is exposed.
type SuspiciousIPResponse struct {
	IPPrefix string    `json:"ip_prefix"`
	Reason   string    `json:"reason"`
	MarkedAt time.Time `json:"marked_at"`
	Until    time.Time `json:"until"`
}

type SuspiciousIPsResponse struct {
	IPs   []SuspiciousIPResponse `json:"ips"`
	Total int                    `json:"total"`
}

// AuditStatsResponse reports the batcher counters and limiter health.
type AuditStatsResponse struct {
	Batcher           batcher.Stats `json:"batcher"`
	RateLimitDegraded bool          `json:"rate_limit_degraded"`
	GeneratedAt       time.Time     `json:"generated_at"`
}

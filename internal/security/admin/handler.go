// Package admin serves the operator view of the security pipeline.
package admin

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"

	"vitalis/internal/security/gate"
	"vitalis/pkg/platform/audit/batcher"
	"vitalis/pkg/platform/httputil"
	adminmw "vitalis/pkg/platform/middleware/admin"
	"vitalis/pkg/platform/privacy"
)

const (
	SuspiciousIPsPath = "/admin/security/suspicious-ips"
	AuditStatsPath    = "/admin/audit/stats"
)

type SuspiciousLister interface {
	List(now time.Time) []gate.SuspiciousIP
}

type StatsSource interface {
	Stats() batcher.Stats
}

type DegradedReporter interface {
	Degraded() bool
}

type Handler struct {
	suspicious SuspiciousLister
	stats      StatsSource
	limiter    DegradedReporter
	token      string
	clock      clock.Clock
	logger     *slog.Logger
}

type Option func(*Handler)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

func WithClock(clk clock.Clock) Option {
	return func(h *Handler) {
		h.clock = clk
	}
}

// WithLimiterHealth includes the rate limiter's degraded flag in stats.
func WithLimiterHealth(d DegradedReporter) Option {
	return func(h *Handler) {
		h.limiter = d
	}
}

func New(suspicious SuspiciousLister, stats StatsSource, token string, opts ...Option) (*Handler, error) {
	if suspicious == nil {
		return nil, errors.New("suspicious set is required")
	}
	if stats == nil {
		return nil, errors.New("stats source is required")
	}
	h := &Handler{
		suspicious: suspicious,
		stats:      stats,
		token:      token,
		clock:      clock.New(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Register mounts the admin routes behind the admin token.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(adminmw.RequireAdminToken(h.token, h.logger))
		r.Get(SuspiciousIPsPath, h.handleSuspiciousIPs)
		r.Get(AuditStatsPath, h.handleAuditStats)
	})
}

func (h *Handler) handleSuspiciousIPs(w http.ResponseWriter, _ *http.Request) {
	marks := h.suspicious.List(h.clock.Now())
	resp := SuspiciousIPsResponse{IPs: make([]SuspiciousIPResponse, 0, len(marks)), Total: len(marks)}
	for _, m := range marks {
		resp.IPs = append(resp.IPs, SuspiciousIPResponse{
			IPPrefix: privacy.AnonymizeIP(m.IP),
			Reason:   m.Reason,
			MarkedAt: m.MarkedAt,
			Until:    m.Until,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleAuditStats(w http.ResponseWriter, _ *http.Request) {
	resp := AuditStatsResponse{
		Batcher:     h.stats.Stats(),
		GeneratedAt: h.clock.Now().UTC(),
	}
	if h.limiter != nil {
		resp.RateLimitDegraded = h.limiter.Degraded()
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

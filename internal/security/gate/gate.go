// Package gate admits or blocks inbound requests before they reach a route
// handler: per-class rate limits, threat pattern scans and sensitive path
// probes, with escalation of abusive clients to a suspicious-IP set.
package gate

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	ratelimitmw "vitalis/internal/ratelimit/middleware"
	"vitalis/internal/ratelimit/models"
	"vitalis/internal/ratelimit/observability"
	"vitalis/internal/security/threat"
	"vitalis/pkg/platform/audit"
	"vitalis/pkg/platform/middleware/metadata"
	"vitalis/pkg/platform/middleware/requestid"
	"vitalis/pkg/platform/privacy"
	"vitalis/pkg/requestcontext"
)

// Reason names why a request was blocked.
type Reason string

const (
	ReasonRateLimited   Reason = "rate_limited"
	ReasonThreat        Reason = "threat_detected"
	ReasonSensitivePath Reason = "sensitive_path"
)

// Security event actions emitted by the gate.
const (
	ActionRateLimitExceeded = "rate_limit_exceeded"
	ActionThreatDetected    = "threat_detected"
	ActionSensitivePath     = "sensitive_path_probe"
)

// EscalationThreshold is the violation count at which a client IP is marked
// suspicious.
const EscalationThreshold = 3

// Decision is the outcome of Admit.
type Decision struct {
	Allowed    bool
	Skipped    bool
	Status     int
	Reason     Reason
	RetryAfter int
	Threats    []threat.Category
	RateLimit  *models.RateLimitResult
}

func (d Decision) outcome() string {
	switch {
	case d.Skipped:
		return "skipped"
	case d.Allowed:
		return "allowed"
	default:
		return string(d.Reason)
	}
}

// Limiter counts a request against its route class window.
type Limiter interface {
	Check(ctx context.Context, ip, path string) (*models.RateLimitResult, error)
}

// Sweeper is implemented by limiters whose stores need periodic eviction.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Sink receives gate security events. ForceFlush is called after threat
// blocks so the evidence is durable before the attacker's next request.
type Sink interface {
	Add(event audit.Event) bool
	ForceFlush(ctx context.Context) error
}

type Gate struct {
	limiter         Limiter
	detector        *threat.Detector
	sink            Sink
	suspicious      *SuspiciousSet
	clock           clock.Clock
	logger          *slog.Logger
	metrics         *Metrics
	flushTimeout    time.Duration
	janitorInterval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	loops  sync.WaitGroup
	wg     sync.WaitGroup

	flushMu    sync.Mutex
	flushing   bool
	flushAgain bool
}

type Option func(*Gate)

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		g.logger = logger
	}
}

func WithClock(clk clock.Clock) Option {
	return func(g *Gate) {
		g.clock = clk
	}
}

func WithMetrics(m *Metrics) Option {
	return func(g *Gate) {
		g.metrics = m
	}
}

// WithSuspiciousSet shares a suspicious-IP set with other components.
func WithSuspiciousSet(s *SuspiciousSet) Option {
	return func(g *Gate) {
		g.suspicious = s
	}
}

// WithFlushTimeout bounds the force flush after a threat block.
func WithFlushTimeout(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.flushTimeout = d
		}
	}
}

func WithJanitorInterval(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.janitorInterval = d
		}
	}
}

func New(limiter Limiter, detector *threat.Detector, sink Sink, opts ...Option) (*Gate, error) {
	if limiter == nil {
		return nil, errors.New("limiter is required")
	}
	if detector == nil {
		return nil, errors.New("detector is required")
	}
	if sink == nil {
		return nil, errors.New("sink is required")
	}
	g := &Gate{
		limiter:         limiter,
		detector:        detector,
		sink:            sink,
		clock:           clock.New(),
		logger:          slog.Default(),
		flushTimeout:    2 * time.Second,
		janitorInterval: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.suspicious == nil {
		g.suspicious = NewSuspiciousSet(DefaultSuspiciousTTL)
	}
	return g, nil
}

// Suspicious returns the gate's suspicious-IP set.
func (g *Gate) Suspicious() *SuspiciousSet {
	return g.suspicious
}

// IsSuspicious reports whether ip is currently marked.
func (g *Gate) IsSuspicious(ip string) bool {
	return g.suspicious.Contains(ip, g.clock.Now())
}

// Admit runs the gate checks for r in order: static skip, rate limit,
// threat scan, sensitive path. Rate limiter errors fail open.
func (g *Gate) Admit(ctx context.Context, r *http.Request) Decision {
	d := g.admit(ctx, r)
	g.metrics.observe(d)
	return d
}

func (g *Gate) admit(ctx context.Context, r *http.Request) Decision {
	p := r.URL.Path
	clean, traversal := threat.CanonicalPath(p)
	if !traversal && isStatic(clean) {
		return Decision{Allowed: true, Skipped: true}
	}

	ip := requestcontext.ClientIP(ctx)
	if ip == "" {
		ip = metadata.ClientIPFromRequest(r)
		ctx = requestcontext.WithClientMetadata(ctx, ip, r.UserAgent())
	}

	result, err := g.limiter.Check(ctx, ip, clean)
	switch {
	case err != nil:
		g.logger.ErrorContext(ctx, "rate limit check failed, admitting request",
			"ip_prefix", privacy.AnonymizeIP(ip),
			"error", err,
		)
	case !result.Allowed:
		g.onViolation(ctx, ip, p, result)
		return Decision{
			Status:     http.StatusTooManyRequests,
			Reason:     ReasonRateLimited,
			RetryAfter: result.RetryAfter,
			RateLimit:  result,
		}
	}

	if !g.detector.Exempt(p) {
		scan := g.detector.Detect(threat.Request{
			Method:    r.Method,
			Path:      p,
			RawQuery:  r.URL.RawQuery,
			UserAgent: r.UserAgent(),
		})
		if scan.Detected() {
			g.onThreat(ctx, ip, r, scan)
			return Decision{
				Status:    http.StatusForbidden,
				Reason:    ReasonThreat,
				Threats:   scan.Threats,
				RateLimit: result,
			}
		}
	}

	if IsSensitivePath(p) || IsSensitivePath(clean) {
		observability.LogAudit(ctx, g.logger, g.sink, ActionSensitivePath, audit.RiskHigh,
			"path", p,
			"method", r.Method,
		)
		return Decision{Status: http.StatusForbidden, Reason: ReasonSensitivePath, RateLimit: result}
	}

	return Decision{Allowed: true, RateLimit: result}
}

func (g *Gate) onViolation(ctx context.Context, ip, p string, result *models.RateLimitResult) {
	if result.Violations >= EscalationThreshold {
		g.markSuspicious(ctx, ip, "rate_limit_violations")
	}
	if !IsCheckpoint(result.Violations) {
		return
	}
	risk := audit.RiskMedium
	if result.Violations >= 10 {
		risk = audit.RiskHigh
	}
	observability.LogAudit(ctx, g.logger, g.sink, ActionRateLimitExceeded, risk,
		"path", p,
		"class", result.Class,
		"limit", result.Limit,
		"violations", result.Violations,
		"retry_after", result.RetryAfter,
	)
}

// IsCheckpoint reports whether a violation count is one at which an event
// is emitted: 3, 10 and then every 25th.
func IsCheckpoint(violations int) bool {
	switch {
	case violations == 3 || violations == 10:
		return true
	case violations > 10:
		return violations%25 == 0
	}
	return false
}

func (g *Gate) onThreat(ctx context.Context, ip string, r *http.Request, scan threat.Result) {
	g.markSuspicious(ctx, ip, "threat_detected")

	threats := make([]string, len(scan.Threats))
	for i, c := range scan.Threats {
		threats[i] = string(c)
	}
	_, accepted := observability.LogAudit(ctx, g.logger, g.sink, ActionThreatDetected, scan.RiskLevel.Max(audit.RiskHigh),
		"path", r.URL.Path,
		"method", r.Method,
		"threats", threats,
		"browser", scan.Client.Browser,
		"os", scan.Client.OS,
		"bot", scan.Client.Bot,
	)
	if accepted {
		g.requestFlush(ctx)
	}
}

// requestFlush force-flushes the sink in the background, bounded by the
// flush timeout. At most one flush runs at a time; requests that arrive
// meanwhile fold into a single follow-up flush.
func (g *Gate) requestFlush(ctx context.Context) {
	g.flushMu.Lock()
	if g.flushing {
		g.flushAgain = true
		g.flushMu.Unlock()
		return
	}
	g.flushing = true
	g.wg.Add(1)
	g.flushMu.Unlock()

	go func() {
		defer g.wg.Done()
		for {
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.flushTimeout)
			if err := g.sink.ForceFlush(flushCtx); err != nil {
				g.logger.WarnContext(flushCtx, "force flush after threat failed", "error", err)
			}
			cancel()

			g.flushMu.Lock()
			if !g.flushAgain {
				g.flushing = false
				g.flushMu.Unlock()
				return
			}
			g.flushAgain = false
			g.flushMu.Unlock()
		}
	}()
}

func (g *Gate) markSuspicious(ctx context.Context, ip, reason string) {
	if g.suspicious.Mark(ip, reason, g.clock.Now()) {
		g.logger.WarnContext(ctx, "client marked suspicious",
			"ip_prefix", privacy.AnonymizeIP(ip),
			"reason", reason,
		)
		g.metrics.setSuspicious(g.suspicious.Len())
	}
}

// Middleware writes the block response for rejected requests and passes
// admitted ones to next with rate limit headers set.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		reqID := requestcontext.RequestID(ctx)
		if w.Header().Get(requestid.Header) == "" && reqID != "" {
			w.Header().Set(requestid.Header, reqID)
		}

		d := g.Admit(ctx, r)
		ratelimitmw.AddRateLimitHeaders(w, d.RateLimit)

		switch d.Reason {
		case ReasonRateLimited:
			ratelimitmw.WriteRateLimitExceeded(w, d.RateLimit, reqID)
		case ReasonThreat:
			ratelimitmw.WriteForbidden(w, models.ErrorThreat, reqID)
		case ReasonSensitivePath:
			ratelimitmw.WriteForbidden(w, models.ErrorSensitivePath, reqID)
		default:
			next.ServeHTTP(w, r)
		}
	})
}

// Start runs the janitor that sweeps expired rate limit windows and
// suspicious marks. It is a no-op if already started.
func (g *Gate) Start(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		return
	}
	ctx, g.cancel = context.WithCancel(ctx)
	ticker := g.clock.Ticker(g.janitorInterval)

	g.loops.Add(1)
	go func() {
		defer g.loops.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.Sweep(ctx)
			}
		}
	}()
}

// Sweep evicts expired state once.
func (g *Gate) Sweep(ctx context.Context) {
	if s, ok := g.limiter.(Sweeper); ok {
		if _, err := s.Sweep(ctx); err != nil {
			g.logger.WarnContext(ctx, "rate limit sweep failed", "error", err)
		}
	}
	if removed := g.suspicious.Sweep(g.clock.Now()); removed > 0 {
		g.logger.DebugContext(ctx, "suspicious marks expired", "removed", removed)
	}
	g.metrics.setSuspicious(g.suspicious.Len())
}

// Stop halts the janitor and waits for pending force flushes.
func (g *Gate) Stop() {
	g.mu.Lock()
	cancel := g.cancel
	g.cancel = nil
	g.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	g.loops.Wait()
	g.wg.Wait()
}

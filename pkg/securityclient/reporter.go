package securityclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// SignalType is the kind of client-observed security signal.
type SignalType string

const (
	SignalRateLimit          SignalType = "rate_limit"
	SignalSessionExpired     SignalType = "session_expired"
	SignalSuspiciousActivity SignalType = "suspicious_activity"
)

// Severity of a signal. Values match the audit risk levels.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// EventsPath is the ingestion route for client security signals.
const EventsPath = "/api/security/events"

// Signal is the payload posted to the security events endpoint.
type Signal struct {
	Type       SignalType `json:"type"`
	Message    string     `json:"message"`
	Severity   Severity   `json:"severity"`
	Timestamp  time.Time  `json:"timestamp"`
	UserAgent  string     `json:"userAgent"`
	URL        string     `json:"url"`
	RetryAfter int        `json:"retryAfter,omitempty"`
}

// Reporter posts security signals to the ingestion endpoint. It sends with
// its own plain *http.Client, never through Client, so a failing report is
// never classified or reported again. At most one report is in flight per
// Reporter; signals raised meanwhile are logged locally and dropped.
type Reporter struct {
	endpoint   string
	httpClient *http.Client
	userAgent  string
	timeout    time.Duration
	clock      clock.Clock
	logger     *slog.Logger

	inflight atomic.Bool
	wg       sync.WaitGroup
	sent     atomic.Int64
	dropped  atomic.Int64
}

type ReporterOption func(*Reporter)

// WithReporterHTTPClient replaces the reporter's transport. It must not be
// an http.Client whose transport itself reports signals.
func WithReporterHTTPClient(hc *http.Client) ReporterOption {
	return func(r *Reporter) {
		r.httpClient = hc
	}
}

func WithReporterLogger(logger *slog.Logger) ReporterOption {
	return func(r *Reporter) {
		r.logger = logger
	}
}

func WithReporterClock(clk clock.Clock) ReporterOption {
	return func(r *Reporter) {
		r.clock = clk
	}
}

func WithReporterUserAgent(ua string) ReporterOption {
	return func(r *Reporter) {
		r.userAgent = ua
	}
}

// WithReportTimeout bounds each report POST.
func WithReportTimeout(d time.Duration) ReporterOption {
	return func(r *Reporter) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func NewReporter(baseURL string, opts ...ReporterOption) *Reporter {
	r := &Reporter{
		endpoint:   strings.TrimRight(baseURL, "/") + EventsPath,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		userAgent:  "vitalis-securityclient",
		timeout:    5 * time.Second,
		clock:      clock.New(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Report sends sig in the background. It returns false when the signal was
// dropped because another report is still in flight.
func (r *Reporter) Report(ctx context.Context, sig Signal) bool {
	if !r.inflight.CompareAndSwap(false, true) {
		r.dropped.Add(1)
		r.logger.WarnContext(ctx, "security signal dropped, report already in flight",
			"type", string(sig.Type),
			"url", sig.URL,
			"message", sig.Message,
		)
		return false
	}

	if sig.Timestamp.IsZero() {
		sig.Timestamp = r.clock.Now()
	}
	if sig.UserAgent == "" {
		sig.UserAgent = r.userAgent
	}
	if sig.Severity == "" {
		sig.Severity = defaultSeverity(sig.Type)
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.inflight.Store(false)
		defer cancel()
		if err := r.send(sendCtx, sig); err != nil {
			r.logger.WarnContext(sendCtx, "security signal not delivered",
				"type", string(sig.Type),
				"error", err,
			)
			return
		}
		r.sent.Add(1)
	}()
	return true
}

func (r *Reporter) send(ctx context.Context, sig Signal) error {
	payload, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build signal request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post signal: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, ErrorCode: "signal_rejected"}
	}
	return nil
}

// Wait blocks until the in-flight report, if any, has finished.
func (r *Reporter) Wait() {
	r.wg.Wait()
}

// Sent returns how many signals were delivered.
func (r *Reporter) Sent() int64 { return r.sent.Load() }

// Dropped returns how many signals were discarded by the in-flight guard.
func (r *Reporter) Dropped() int64 { return r.dropped.Load() }

func defaultSeverity(t SignalType) Severity {
	switch t {
	case SignalSuspiciousActivity:
		return SeverityHigh
	case SignalRateLimit:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

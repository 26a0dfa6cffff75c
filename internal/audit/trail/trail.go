// Package trail records an audit event for every completed API request.
//
// The middleware sits behind the request gate. It captures the response
// status, keeps a bounded copy of JSON request bodies for the classifier and
// hands every event that survives sampling to the batcher. Ingestion routes
// are skipped: their payloads already are audit events.
package trail

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"vitalis/internal/security/threat"
	audit "vitalis/pkg/platform/audit"
	"vitalis/pkg/platform/audit/classifier"
	"vitalis/pkg/platform/privacy"
	"vitalis/pkg/requestcontext"
)

// MaxBodyBytes bounds the request body kept for classification.
const MaxBodyBytes = 64 << 10

// DefaultPrefixes are the audited route prefixes.
var DefaultPrefixes = []string{"/api/"}

type Classifier interface {
	Classify(in classifier.Input) classifier.Result
}

type Sink interface {
	Add(e audit.Event) bool
}

// SuspicionChecker reports clients the gate has escalated.
type SuspicionChecker interface {
	IsSuspicious(ip string) bool
}

// Metrics counts audit trail outcomes.
type Metrics struct {
	Events *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Events: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "vitalis_audit_trail_events_total",
			Help: "Total number of audit trail events by outcome",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) observe(outcome string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(outcome).Inc()
}

// Trail is the audit trail middleware.
type Trail struct {
	classifier Classifier
	sink       Sink
	suspicion  SuspicionChecker
	prefixes   []string
	exempt     []string
	logger     *slog.Logger
	metrics    *Metrics
}

type Option func(*Trail)

func WithLogger(logger *slog.Logger) Option {
	return func(t *Trail) {
		t.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(t *Trail) {
		t.metrics = m
	}
}

// WithSuspicion disables sampling for clients the checker flags.
func WithSuspicion(s SuspicionChecker) Option {
	return func(t *Trail) {
		t.suspicion = s
	}
}

// WithPrefixes replaces the audited route prefixes.
func WithPrefixes(prefixes ...string) Option {
	return func(t *Trail) {
		t.prefixes = slices.Clone(prefixes)
	}
}

// WithExemptPrefixes replaces the prefixes that are never audited.
func WithExemptPrefixes(prefixes ...string) Option {
	return func(t *Trail) {
		t.exempt = slices.Clone(prefixes)
	}
}

func New(c Classifier, sink Sink, opts ...Option) (*Trail, error) {
	if c == nil {
		return nil, errors.New("classifier is required")
	}
	if sink == nil {
		return nil, errors.New("sink is required")
	}
	t := &Trail{
		classifier: c,
		sink:       sink,
		prefixes:   slices.Clone(DefaultPrefixes),
		exempt:     slices.Clone(threat.DefaultExemptPrefixes),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Audited reports whether requests to path produce trail events. Prefixes
// are matched on the canonical path. A path with ".." segments is never
// exempt and is audited if either its raw or its resolved form is in scope.
func (t *Trail) Audited(path string) bool {
	clean, traversal := threat.CanonicalPath(path)
	if !traversal {
		for _, prefix := range t.exempt {
			if threat.HasPathPrefix(clean, prefix) {
				return false
			}
		}
	}
	for _, prefix := range t.prefixes {
		if strings.HasPrefix(clean+"/", prefix) || (traversal && strings.HasPrefix(path, prefix)) {
			return true
		}
	}
	return false
}

func (t *Trail) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !t.Audited(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		body := t.captureBody(r)
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)

		t.record(r, sw.Status(), body)
	})
}

// captureBody copies up to MaxBodyBytes of a JSON body and restores the
// stream so the handler still reads all of it. Larger or non-JSON bodies
// are not kept.
func (t *Trail) captureBody(r *http.Request) []byte {
	if r.Body == nil || r.Body == http.NoBody || !isJSON(r.Header.Get("Content-Type")) {
		return nil
	}
	buf, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
	r.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(buf), r.Body), Closer: r.Body}
	if err != nil {
		t.logger.DebugContext(r.Context(), "audit body capture failed",
			"request_id", requestcontext.RequestID(r.Context()),
			"error", err,
		)
		return nil
	}
	if len(buf) > MaxBodyBytes {
		return nil
	}
	return buf
}

func (t *Trail) record(r *http.Request, status int, body []byte) {
	ctx := r.Context()
	ip := requestcontext.ClientIP(ctx)

	in := classifier.Input{
		Method:    r.Method,
		Path:      r.URL.Path,
		Status:    status,
		Body:      body,
		UserID:    requestcontext.UserID(ctx),
		IPAddress: ip,
		UserAgent: requestcontext.UserAgent(ctx),
		RequestID: requestcontext.RequestID(ctx),
		Timestamp: requestcontext.Now(ctx),
	}
	if t.suspicion != nil && ip != "" {
		in.Suspicious = t.suspicion.IsSuspicious(ip)
	}

	res := t.classifier.Classify(in)
	if res.Dropped {
		t.metrics.observe("sampled")
		return
	}
	if !t.sink.Add(res.Event) {
		t.metrics.observe("rejected")
		t.logger.DebugContext(ctx, "audit event not queued",
			"request_id", in.RequestID,
			"event_type", res.Event.Type,
			"ip_prefix", privacy.AnonymizeIP(ip),
		)
		return
	}
	t.metrics.observe("queued")
}

func isJSON(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "json")
}

type readCloser struct {
	io.Reader
	io.Closer
}

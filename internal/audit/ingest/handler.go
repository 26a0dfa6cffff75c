// Package ingest accepts audit events and client security signals over HTTP
// and queues them on the audit batcher.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/santhosh-tekuri/jsonschema/v6"

	audit "vitalis/pkg/platform/audit"
	"vitalis/pkg/platform/audit/classifier"
	"vitalis/pkg/platform/httputil"
	"vitalis/pkg/platform/privacy"
	"vitalis/pkg/requestcontext"
	"vitalis/pkg/securityclient"
)

// Routes.
const (
	AuditEventsPath    = "/api/audit/events"
	SecurityEventsPath = securityclient.EventsPath
)

// Error codes.
const (
	ErrorInvalidJSON     = "invalid_json"
	ErrorValidation      = "validation_error"
	ErrorPayloadTooLarge = "payload_too_large"
)

const (
	// MaxBodyBytes bounds an ingestion payload.
	MaxBodyBytes        = 64 << 10
	DefaultFlushTimeout = 2 * time.Second

	resourceClient = "client"
)

// Sink queues events for durable storage.
type Sink interface {
	Add(e audit.Event) bool
	ForceFlush(ctx context.Context) error
}

// AcceptedResponse is the body of a 202 reply. Accepted is false when the
// batcher dropped the event as a duplicate or over its emission limit.
type AcceptedResponse struct {
	ID       string `json:"id"`
	Accepted bool   `json:"accepted"`
}

type Metrics struct {
	Requests *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Requests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "vitalis_audit_ingest_requests_total",
			Help: "Total number of ingestion requests by route and outcome",
		}, []string{"route", "outcome"}),
	}
}

func (m *Metrics) observe(route, outcome string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(route, outcome).Inc()
}

// Handler serves the ingestion routes.
type Handler struct {
	sink         Sink
	schemas      map[string]*jsonschema.Schema
	flushTimeout time.Duration
	logger       *slog.Logger
	metrics      *Metrics
}

type Option func(*Handler)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

// WithFlushTimeout bounds the flush triggered by a critical signal.
func WithFlushTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.flushTimeout = d
		}
	}
}

func New(sink Sink, opts ...Option) (*Handler, error) {
	if sink == nil {
		return nil, errors.New("sink is required")
	}
	schemas, err := compileSchemas(auditEventSchema, securitySignalSchema)
	if err != nil {
		return nil, err
	}
	h := &Handler{
		sink:         sink,
		schemas:      schemas,
		flushTimeout: DefaultFlushTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Register mounts the ingestion routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Post(AuditEventsPath, h.handleAuditEvent)
	r.Post(SecurityEventsPath, h.handleSecuritySignal)
}

type eventPayload struct {
	ID           string          `json:"id"`
	Type         audit.EventType `json:"event_type"`
	UserID       string          `json:"user_id"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	Action       string          `json:"action"`
	Success      *bool           `json:"success"`
	RiskLevel    audit.RiskLevel `json:"risk_level"`
	Details      map[string]any  `json:"details"`
	Timestamp    time.Time       `json:"timestamp"`
	RequestID    string          `json:"request_id"`
}

// handleAuditEvent accepts a pre-built audit event. Client address and agent
// are always the ones observed on this request, never the payload's.
func (h *Handler) handleAuditEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	raw, ok := h.readValid(w, r, "audit", auditEventSchema)
	if !ok {
		return
	}

	var p eventPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.reject(ctx, w, "audit", ErrorValidation, err)
		return
	}

	id, err := parseID(p.ID)
	if err != nil {
		h.reject(ctx, w, "audit", ErrorValidation, err)
		return
	}

	success := true
	if p.Success != nil {
		success = *p.Success
	}
	userID := p.UserID
	if ctxUser := requestcontext.UserID(ctx); ctxUser != "" {
		userID = ctxUser
	}
	if userID == "" {
		userID = audit.Anonymous
	}
	requestID := p.RequestID
	if requestID == "" {
		requestID = requestcontext.RequestID(ctx)
	}

	var details map[string]any
	if p.Details != nil {
		details, _ = classifier.Sanitize(p.Details).(map[string]any)
	}

	event := audit.NewEvent(audit.Event{
		ID:           id,
		Type:         p.Type,
		UserID:       userID,
		ResourceType: p.ResourceType,
		ResourceID:   p.ResourceID,
		Action:       p.Action,
		IPAddress:    requestcontext.ClientIP(ctx),
		UserAgent:    requestcontext.UserAgent(ctx),
		Success:      success,
		RiskLevel:    p.RiskLevel,
		Details:      details,
		Timestamp:    p.Timestamp.UTC(),
		RequestID:    requestID,
	}, requestcontext.Now(ctx))

	h.accept(w, "audit", event)
}

// handleSecuritySignal converts a client signal into a failed security event.
func (h *Handler) handleSecuritySignal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	raw, ok := h.readValid(w, r, "security", securitySignalSchema)
	if !ok {
		return
	}

	var sig securityclient.Signal
	if err := json.Unmarshal(raw, &sig); err != nil {
		h.reject(ctx, w, "security", ErrorValidation, err)
		return
	}

	details := map[string]any{
		"message":  sig.Message,
		"severity": string(sig.Severity),
	}
	if p := urlPath(sig.URL); p != "" {
		details["url"] = p
	}
	if sig.RetryAfter > 0 {
		details["retry_after"] = sig.RetryAfter
	}
	if !sig.Timestamp.IsZero() {
		details["reported_at"] = sig.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	userAgent := requestcontext.UserAgent(ctx)
	if userAgent == "" {
		userAgent = sig.UserAgent
	}
	userID := requestcontext.UserID(ctx)
	if userID == "" {
		userID = audit.Anonymous
	}

	risk := audit.RiskLevel(sig.Severity)
	event := audit.NewEvent(audit.Event{
		Type:         audit.EventSecurityEvent,
		UserID:       userID,
		ResourceType: resourceClient,
		ResourceID:   urlPath(sig.URL),
		Action:       string(sig.Type),
		IPAddress:    requestcontext.ClientIP(ctx),
		UserAgent:    userAgent,
		Success:      false,
		RiskLevel:    risk,
		Details:      details,
		RequestID:    requestcontext.RequestID(ctx),
	}, requestcontext.Now(ctx))

	// Suppressed duplicates never flush, so repeating a critical signal
	// cannot drive the store write rate.
	if h.accept(w, "security", event) && risk == audit.RiskCritical {
		h.flush(ctx)
	}
}

func (h *Handler) readValid(w http.ResponseWriter, r *http.Request, route, schema string) ([]byte, bool) {
	ctx := r.Context()
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.metrics.observe(route, "rejected")
			httputil.WriteError(w, http.StatusRequestEntityTooLarge, ErrorPayloadTooLarge, "payload exceeds 64KiB")
			return nil, false
		}
		h.reject(ctx, w, route, ErrorInvalidJSON, err)
		return nil, false
	}
	if code, err := validate(h.schemas[schema], raw); err != nil {
		h.reject(ctx, w, route, code, err)
		return nil, false
	}
	return raw, true
}

// accept queues event, writes the 202 and reports whether the sink took it.
func (h *Handler) accept(w http.ResponseWriter, route string, event audit.Event) bool {
	accepted := h.sink.Add(event)
	outcome := "accepted"
	if !accepted {
		outcome = "suppressed"
	}
	h.metrics.observe(route, outcome)
	httputil.WriteJSON(w, http.StatusAccepted, AcceptedResponse{ID: event.ID.String(), Accepted: accepted})
	return accepted
}

func (h *Handler) reject(ctx context.Context, w http.ResponseWriter, route, code string, err error) {
	h.metrics.observe(route, "rejected")
	h.logger.InfoContext(ctx, "ingestion payload rejected",
		"route", route,
		"code", code,
		"request_id", requestcontext.RequestID(ctx),
		"ip_prefix", privacy.AnonymizeIP(requestcontext.ClientIP(ctx)),
		"error", err,
	)
	httputil.WriteError(w, http.StatusBadRequest, code, err.Error())
}

// flush pushes a critical signal to the store before it can be lost. The
// flush outlives a client that disconnects but not the timeout.
func (h *Handler) flush(ctx context.Context) {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.flushTimeout)
	defer cancel()
	if err := h.sink.ForceFlush(flushCtx); err != nil {
		h.logger.ErrorContext(ctx, "critical signal flush failed",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
	}
}

func parseID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, nil
	}
	return uuid.Parse(s)
}

// urlPath reduces a reported URL to its path so query strings carrying
// tokens are never stored.
func urlPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if u.Path == "" && u.Host != "" {
		return "/"
	}
	return u.Path
}

// Package classifier turns completed HTTP operations into typed, risk-scored
// audit events and decides which routine reads are sampled out.
package classifier

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	audit "vitalis/pkg/platform/audit"
)

// Input describes one completed operation.
type Input struct {
	Method    string
	Path      string
	Status    int
	Body      []byte
	UserID    string
	IPAddress string
	UserAgent string
	RequestID string
	// Risk, when valid, overrides the derived risk level.
	Risk audit.RiskLevel
	// Suspicious marks a client already flagged by the gate; its events are never sampled.
	Suspicious bool
	Timestamp  time.Time
}

// Result is the classification outcome. Dropped is true only when sampling
// discarded the event; Event is populated either way.
type Result struct {
	Event   audit.Event
	Dropped bool
}

// Action names.
const (
	ActionRead        = "read"
	ActionCreate      = "create"
	ActionUpdate      = "update"
	ActionDelete      = "delete"
	ActionViewMetrics = "view_metrics"
	ActionExport      = "export_data"
	ActionLogin       = "login"
	ActionLogout      = "logout"
	ActionAccess      = "access"
)

// Resource types with special handling.
const (
	ResourceUsers       = "users"
	ResourceSleepData   = "sleep_data"
	ResourceLabReports  = "lab_reports"
	ResourceBiomarkers  = "biomarkers"
	ResourceBioAge      = "bio_age"
	ResourceUserProfile = "user_profile"
	ResourceAuditLogs   = "audit_logs"
	ResourceUploads     = "uploads"
	ResourceAuth        = "auth"
	ResourceSystem      = "system"
)

var resourceTypes = map[string]string{
	"users":       ResourceUsers,
	"sleep-data":  ResourceSleepData,
	"lab-reports": ResourceLabReports,
	"biomarkers":  ResourceBiomarkers,
	"bio-age":     ResourceBioAge,
	"profile":     ResourceUserProfile,
	"audit-logs":  ResourceAuditLogs,
	"uploads":     ResourceUploads,
	"auth":        ResourceAuth,
}

var sensitiveResources = map[string]bool{
	ResourceLabReports:  true,
	ResourceBiomarkers:  true,
	ResourceUserProfile: true,
	ResourceUsers:       true,
}

// Default keep rates for successful low-risk reads.
const (
	ReadHeavyKeepRate = 0.2
	AuditLogKeepRate  = 0.1
)

// Classifier maps operations to audit events.
type Classifier struct {
	sampler *Sampler
	clock   clock.Clock
	logger  *slog.Logger
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithSampleSource injects the random source used for sampling decisions.
// Tests pass a fixed sequence to make sampling deterministic.
func WithSampleSource(source func() float64) Option {
	return func(c *Classifier) {
		c.sampler.rand = source
	}
}

// WithSampleRate overrides the keep rate for a resource type.
func WithSampleRate(resource string, rate float64) Option {
	return func(c *Classifier) {
		c.sampler.SetRate(resource, rate)
	}
}

func WithClock(clk clock.Clock) Option {
	return func(c *Classifier) {
		c.clock = clk
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Classifier) {
		c.logger = logger
	}
}

// New creates a Classifier. Read-heavy health resources keep one read in
// five and audit log self-reads keep one in ten.
func New(opts ...Option) *Classifier {
	c := &Classifier{
		sampler: NewSampler(1, nil),
		clock:   clock.New(),
		logger:  slog.Default(),
	}
	c.sampler.SetRate(ResourceSleepData, ReadHeavyKeepRate)
	c.sampler.SetRate(ResourceBiomarkers, ReadHeavyKeepRate)
	c.sampler.SetRate(ResourceBioAge, ReadHeavyKeepRate)
	c.sampler.SetRate(ResourceAuditLogs, AuditLogKeepRate)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify builds the audit event for in and reports whether sampling dropped it.
func (c *Classifier) Classify(in Input) Result {
	method := strings.ToUpper(in.Method)
	resource, resourceID, override := parsePath(in.Path)
	action := deriveAction(method, override)
	success := in.Status > 0 && in.Status < http.StatusBadRequest

	details := map[string]any{
		"method":      method,
		"path":        stripQuery(in.Path),
		"status_code": in.Status,
	}
	if len(in.Body) > 0 {
		var body any
		if err := json.Unmarshal(in.Body, &body); err != nil {
			details["parsing_error"] = true
			c.logger.Debug("audit body not parsed",
				"request_id", in.RequestID,
				"error", err,
			)
		} else if body != nil {
			details["body"] = Sanitize(body)
		}
	}

	ts := in.Timestamp
	if ts.IsZero() {
		ts = c.clock.Now()
	}

	userID := in.UserID
	if userID == "" {
		userID = audit.Anonymous
	}

	event := audit.NewEvent(audit.Event{
		Type:         deriveEventType(method, in.Status, action, in.Path),
		UserID:       userID,
		ResourceType: resource,
		ResourceID:   resourceID,
		Action:       action,
		IPAddress:    in.IPAddress,
		UserAgent:    in.UserAgent,
		Success:      success,
		RiskLevel:    deriveRisk(in.Risk, method, in.Status, action, resource),
		Details:      details,
		Timestamp:    ts,
		RequestID:    in.RequestID,
	}, ts)

	return Result{Event: event, Dropped: c.sampledOut(event, in.Suspicious)}
}

// sampledOut only ever discards successful low or medium risk reads.
func (c *Classifier) sampledOut(e audit.Event, suspicious bool) bool {
	if suspicious || e.MustRetain() || e.Action != ActionRead {
		return false
	}
	return !c.sampler.Keep(e.ResourceType)
}

// parsePath returns the resource type, the optional resource id, and a named
// operation override taken from the last segment.
func parsePath(path string) (resource, resourceID, override string) {
	segments := splitSegments(stripQuery(path))
	if len(segments) == 0 {
		return ResourceSystem, "", ""
	}

	if segments[0] == "api" {
		segments = segments[1:]
		if len(segments) == 0 {
			return ResourceSystem, "", ""
		}
	}

	resource = resourceTypes[segments[0]]
	if resource == "" {
		resource = strings.ReplaceAll(segments[0], "-", "_")
	}

	switch last := segments[len(segments)-1]; {
	case len(segments) > 1 && last == "metrics":
		override = ActionViewMetrics
	case len(segments) > 1 && last == "export":
		override = ActionExport
	case resource == ResourceAuth && last == "login":
		override = ActionLogin
	case resource == ResourceAuth && last == "logout":
		override = ActionLogout
	}

	if len(segments) > 1 && !isOverrideSegment(segments[1]) {
		resourceID = segments[1]
	}
	return resource, resourceID, override
}

func isOverrideSegment(s string) bool {
	switch s {
	case "metrics", "export", "login", "logout":
		return true
	}
	return false
}

func deriveAction(method, override string) string {
	if override != "" {
		return override
	}
	switch method {
	case http.MethodGet, http.MethodHead:
		return ActionRead
	case http.MethodPost:
		return ActionCreate
	case http.MethodPut, http.MethodPatch:
		return ActionUpdate
	case http.MethodDelete:
		return ActionDelete
	default:
		return ActionAccess
	}
}

func deriveEventType(method string, status int, action, path string) audit.EventType {
	switch {
	case action == ActionLogin:
		return audit.EventLoginAttempt
	case action == ActionLogout:
		return audit.EventLogout
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return audit.EventFailedAccess
	case action == ActionExport:
		return audit.EventExportData
	case strings.HasPrefix(path, "/admin"):
		return audit.EventSystemAccess
	}
	switch method {
	case http.MethodGet, http.MethodHead:
		return audit.EventDataAccess
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return audit.EventDataModification
	case http.MethodDelete:
		return audit.EventDataDeletion
	default:
		return audit.EventAPIRequest
	}
}

func deriveRisk(explicit audit.RiskLevel, method string, status int, action, resource string) audit.RiskLevel {
	if explicit.IsValid() {
		return explicit
	}
	switch {
	case status >= http.StatusInternalServerError:
		return audit.RiskCritical
	case status >= http.StatusBadRequest:
		return audit.RiskHigh
	case method == http.MethodDelete || action == ActionExport:
		return audit.RiskHigh
	case isWrite(method) && sensitiveResources[resource]:
		return audit.RiskMedium
	default:
		return audit.RiskLow
	}
}

func isWrite(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func stripQuery(path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		return path[:i]
	}
	return path
}

func splitSegments(path string) []string {
	parts := strings.Split(path, "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

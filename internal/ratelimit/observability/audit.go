// Package observability emits security audit events for gate decisions.
package observability

import (
	"context"
	"log/slog"

	"vitalis/pkg/attrs"
	"vitalis/pkg/platform/audit"
	"vitalis/pkg/platform/privacy"
	"vitalis/pkg/requestcontext"
)

// Sink accepts audit events without blocking; the batcher satisfies it.
type Sink interface {
	Add(event audit.Event) bool
}

// ResourceGate is the resource type recorded on gate events.
const ResourceGate = "request_gate"

// LogAudit logs a security event to the structured logger and queues it on
// sink. attrList is a key/value list that becomes the event details; the
// "path" key, when present, is used as the resource id. It returns the
// event and whether the sink accepted it.
func LogAudit(ctx context.Context, logger *slog.Logger, sink Sink, action string, risk audit.RiskLevel, attrList ...any) (audit.Event, bool) {
	now := requestcontext.Now(ctx)
	ip := requestcontext.ClientIP(ctx)
	requestID := requestcontext.RequestID(ctx)

	userID := requestcontext.UserID(ctx)
	if userID == "" {
		userID = audit.Anonymous
	}

	event := audit.NewEvent(audit.Event{
		Type:         audit.EventSecurityEvent,
		UserID:       userID,
		ResourceType: ResourceGate,
		ResourceID:   attrs.ExtractString(attrList, "path"),
		Action:       action,
		IPAddress:    ip,
		UserAgent:    requestcontext.UserAgent(ctx),
		Success:      false,
		RiskLevel:    risk,
		Details:      attrs.ToMap(attrList),
		Timestamp:    now,
		RequestID:    requestID,
	}, now)

	if logger != nil {
		args := append([]any{
			"event", action,
			"log_type", "audit",
			"risk_level", string(risk),
			"ip_prefix", privacy.AnonymizeIP(ip),
			"request_id", requestID,
		}, attrList...)
		logger.WarnContext(ctx, action, args...)
	}

	if sink == nil {
		return event, false
	}
	return event, sink.Add(event)
}

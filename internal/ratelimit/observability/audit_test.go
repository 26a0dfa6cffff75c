package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vitalis/pkg/platform/audit"
	"vitalis/pkg/requestcontext"
)

type recordingSink struct {
	events []audit.Event
}

func (s *recordingSink) Add(e audit.Event) bool {
	s.events = append(s.events, e)
	return true
}

func TestLogAudit(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ctx := requestcontext.WithTime(context.Background(), now)
	ctx = requestcontext.WithClientMetadata(ctx, "10.0.0.9", "sqlmap/1.7")
	ctx = requestcontext.WithRequestID(ctx, "req-12345678")

	sink := &recordingSink{}
	event, ok := LogAudit(ctx, nil, sink, "threat_detected", audit.RiskCritical,
		"path", "/api/users",
		"threats", []string{"sql_injection"},
		"window", 90*time.Second,
	)

	require.True(t, ok)
	require.Len(t, sink.events, 1)
	assert.Equal(t, event, sink.events[0])

	assert.Equal(t, audit.EventSecurityEvent, event.Type)
	assert.Equal(t, audit.Anonymous, event.UserID)
	assert.Equal(t, ResourceGate, event.ResourceType)
	assert.Equal(t, "/api/users", event.ResourceID)
	assert.Equal(t, "threat_detected", event.Action)
	assert.Equal(t, "10.0.0.9", event.IPAddress)
	assert.Equal(t, "sqlmap/1.7", event.UserAgent)
	assert.False(t, event.Success)
	assert.Equal(t, audit.RiskCritical, event.RiskLevel)
	assert.Equal(t, now, event.Timestamp)
	assert.Equal(t, "req-12345678", event.RequestID)
	assert.Equal(t, []string{"sql_injection"}, event.Details["threats"])
	assert.Equal(t, 90.0, event.Details["window"])
}

func TestLogAuditWithoutSink(t *testing.T) {
	ctx := requestcontext.WithUserID(context.Background(), "user-1")
	event, ok := LogAudit(ctx, nil, nil, "rate_limit_exceeded", audit.RiskMedium)

	assert.False(t, ok)
	assert.Equal(t, "user-1", event.UserID)
	assert.NotEmpty(t, event.ID)
}

package clickhouse

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	audit "vitalis/pkg/platform/audit"
)

func TestNewRequiresConn(t *testing.T) {
	_, err := New(nil)
	require.EqualError(t, err, "conn is required")
}

func TestToRow(t *testing.T) {
	id := uuid.New()
	e := audit.Event{
		ID:           id,
		Type:         audit.EventDataDeletion,
		UserID:       "user-3",
		ResourceType: "users",
		ResourceID:   "42",
		Action:       "delete",
		Success:      true,
		RiskLevel:    audit.RiskHigh,
		Details:      map[string]any{"method": "DELETE"},
		Timestamp:    time.Date(2026, 7, 1, 12, 0, 0, 0, time.FixedZone("EST", -5*3600)),
	}

	r, err := toRow(e)
	require.NoError(t, err)
	assert.Equal(t, id, r.ID)
	assert.Equal(t, "data_deletion", r.EventType)
	assert.Equal(t, "compliance", r.Category)
	assert.Equal(t, uint8(1), r.Success)
	assert.JSONEq(t, `{"method":"DELETE"}`, r.Details)
	assert.Equal(t, 17, r.OccurredAt.Hour())
	assert.Len(t, r.values(), 14)

	e.Success = false
	e.Details = nil
	r, err = toRow(e)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), r.Success)
	assert.Empty(t, r.Details)
}

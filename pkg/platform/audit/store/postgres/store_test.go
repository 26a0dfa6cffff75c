package postgres

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	audit "vitalis/pkg/platform/audit"
)

func TestNewRequiresDB(t *testing.T) {
	_, err := New(nil)
	require.EqualError(t, err, "db is required")
}

func TestInsertArgs(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("CET", 3600))
	e := audit.Event{
		ID:           uuid.MustParse("0b7c3d58-2b7e-4a34-8d9f-4c1f0e6a2b11"),
		Type:         audit.EventFailedAccess,
		UserID:       "user-1",
		ResourceType: "lab_reports",
		Action:       "read",
		Success:      false,
		RiskLevel:    audit.RiskHigh,
		Details:      map[string]any{"status_code": 403},
		Timestamp:    ts,
	}

	args, err := insertArgs(e)
	require.NoError(t, err)
	require.Len(t, args, 14)
	assert.Equal(t, e.ID, args[0])
	assert.Equal(t, "failed_access", args[1])
	assert.Equal(t, "security", args[2])
	assert.JSONEq(t, `{"status_code":403}`, string(args[11].([]byte)))
	assert.Equal(t, time.UTC, args[12].(time.Time).Location())

	t.Run("nil details stay null", func(t *testing.T) {
		e.Details = nil
		args, err := insertArgs(e)
		require.NoError(t, err)
		assert.Nil(t, args[11])
	})

	t.Run("unencodable details fail", func(t *testing.T) {
		e.Details = map[string]any{"ch": make(chan int)}
		_, err := insertArgs(e)
		require.Error(t, err)
	})
}

package gate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSuspiciousSet(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	set := NewSuspiciousSet(time.Hour)

	assert.False(t, set.Mark("", "x", now))
	assert.True(t, set.Mark("10.0.0.1", "rate_limit_violations", now))
	assert.False(t, set.Mark("10.0.0.1", "threat_detected", now.Add(30*time.Minute)), "refresh is not a new mark")
	assert.True(t, set.Mark("10.0.0.2", "threat_detected", now.Add(time.Minute)))

	assert.True(t, set.Contains("10.0.0.1", now.Add(89*time.Minute)), "refresh extends the TTL")
	assert.False(t, set.Contains("10.0.0.3", now))

	list := set.List(now.Add(40 * time.Minute))
	if assert.Len(t, list, 2) {
		assert.Equal(t, "10.0.0.2", list[0].IP)
		assert.Equal(t, now, list[1].MarkedAt, "refresh keeps the first mark time")
		assert.Equal(t, "threat_detected", list[1].Reason)
	}

	assert.Equal(t, 1, set.Sweep(now.Add(61*time.Minute)))
	assert.Equal(t, 1, set.Len())
	assert.False(t, set.Contains("10.0.0.1", now.Add(90*time.Minute)))
	assert.Empty(t, set.List(now.Add(90*time.Minute)))
}

package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWindowKey(t *testing.T) {
	assert.Equal(t, "rl:default:10.0.0.1", WindowKey("10.0.0.1", ClassDefault))
	assert.Equal(t, "rl:upload:2001_db8__1", WindowKey("2001:db8::1", ClassUpload))
	assert.Equal(t, "rl:a_b:ip", WindowKey("ip", "a:b"))
}

func TestRetryAfterSeconds(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, 1, RetryAfterSeconds(now, now))
	assert.Equal(t, 1, RetryAfterSeconds(now.Add(-time.Minute), now))
	assert.Equal(t, 1, RetryAfterSeconds(now.Add(200*time.Millisecond), now))
	assert.Equal(t, 60, RetryAfterSeconds(now.Add(time.Minute), now))
	assert.Equal(t, 61, RetryAfterSeconds(now.Add(time.Minute+time.Millisecond), now))
}

func TestNewResult(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	class := RouteClass{Name: ClassUpload, Requests: 10, Window: time.Hour}

	t.Run("within quota", func(t *testing.T) {
		res := NewResult(class, Entry{Count: 4, ResetAt: now.Add(time.Hour)}, now)

		assert.True(t, res.Allowed)
		assert.Equal(t, 6, res.Remaining)
		assert.Zero(t, res.RetryAfter)
		assert.False(t, res.NewViolation)
	})

	t.Run("at quota", func(t *testing.T) {
		res := NewResult(class, Entry{Count: 10, ResetAt: now.Add(time.Hour)}, now)

		assert.True(t, res.Allowed)
		assert.Zero(t, res.Remaining)
	})

	t.Run("over quota", func(t *testing.T) {
		res := NewResult(class, Entry{Count: 11, ResetAt: now.Add(30 * time.Minute), Violations: 2}, now)

		assert.False(t, res.Allowed)
		assert.Zero(t, res.Remaining)
		assert.Equal(t, 1800, res.RetryAfter)
		assert.Equal(t, 2, res.Violations)
		assert.True(t, res.NewViolation)
		assert.Equal(t, ClassUpload, res.Class)
	})
}

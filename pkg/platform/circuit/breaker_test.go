package circuit

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

func TestBreaker_InitialState(t *testing.T) {
	b := New("test")
	assert.False(t, b.IsOpen())
	assert.True(t, b.Allow())
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, "test", b.Name())
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := New("test", WithFailureThreshold(3))

	open, change := b.RecordFailure()
	assert.False(t, open)
	assert.False(t, change.Opened)

	open, change = b.RecordFailure()
	assert.False(t, open)
	assert.False(t, change.Opened)

	// Third failure opens the circuit
	open, change = b.RecordFailure()
	assert.True(t, open)
	assert.True(t, change.Opened)
	assert.True(t, b.IsOpen())
	assert.False(t, b.Allow())
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New("test", WithFailureThreshold(3))

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()

	b.RecordFailure()
	b.RecordFailure()
	assert.False(t, b.IsOpen())

	b.RecordFailure()
	assert.True(t, b.IsOpen())
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	clk := clock.NewMock()
	b := New("store", WithFailureThreshold(1), WithCooldown(30*time.Second), WithClock(clk))

	b.RecordFailure()
	assert.False(t, b.Allow())

	clk.Add(29 * time.Second)
	assert.False(t, b.Allow())

	clk.Add(time.Second)
	assert.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())

	t.Run("failure in half-open reopens", func(t *testing.T) {
		open, change := b.RecordFailure()
		assert.True(t, open)
		assert.True(t, change.Opened)
		assert.False(t, b.Allow())
	})

	t.Run("success in half-open closes", func(t *testing.T) {
		clk.Add(30 * time.Second)
		assert.True(t, b.Allow())
		closed, change := b.RecordSuccess()
		assert.True(t, closed)
		assert.True(t, change.Closed)
		assert.Equal(t, StateClosed, b.State())
	})
}

func TestBreaker_SuccessThreshold(t *testing.T) {
	clk := clock.NewMock()
	b := New("test", WithFailureThreshold(1), WithSuccessThreshold(2), WithCooldown(time.Second), WithClock(clk))

	b.RecordFailure()
	clk.Add(time.Second)
	assert.True(t, b.Allow())

	closed, change := b.RecordSuccess()
	assert.False(t, closed)
	assert.False(t, change.Closed)

	closed, change = b.RecordSuccess()
	assert.True(t, closed)
	assert.True(t, change.Closed)
}

func TestBreaker_Reset(t *testing.T) {
	b := New("test", WithFailureThreshold(1))

	b.RecordFailure()
	assert.True(t, b.IsOpen())

	b.Reset()
	assert.False(t, b.IsOpen())
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_OpenCircuitStaysOpen(t *testing.T) {
	b := New("test", WithFailureThreshold(1))

	b.RecordFailure()

	open, change := b.RecordFailure()
	assert.True(t, open)
	assert.False(t, change.Opened)
}

package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Doubling(t *testing.T) {
	b := NewBackoff(30*time.Second, 15*time.Minute)

	expected := []time.Duration{
		30 * time.Second,
		60 * time.Second,
		2 * time.Minute,
		4 * time.Minute,
		8 * time.Minute,
		15 * time.Minute,
		15 * time.Minute,
	}
	for i, want := range expected {
		assert.Equal(t, want, b.Next(), "interval %d", i)
	}
}

func TestBackoff_PeekAndReset(t *testing.T) {
	b := NewBackoff(time.Second, 5*time.Second)

	assert.Equal(t, time.Second, b.Peek(), "fresh backoff MUST peek at base")
	assert.Equal(t, time.Second, b.Next())
	assert.Equal(t, 2*time.Second, b.Peek())
	assert.Equal(t, 2*time.Second, b.Next())
	assert.Equal(t, 4*time.Second, b.Next())
	assert.Equal(t, 5*time.Second, b.Peek(), "peek MUST respect the cap")

	b.Reset()
	assert.Equal(t, time.Second, b.Peek())
	assert.Equal(t, time.Second, b.Next(), "MUST restart at base after reset")
}

func TestBackoff_Monotonic(t *testing.T) {
	b := NewBackoff(7*time.Millisecond, time.Second)
	prev := time.Duration(0)
	for i := 0; i < 20; i++ {
		d := b.Next()
		assert.GreaterOrEqual(t, d, prev, "MUST be non-decreasing")
		assert.LessOrEqual(t, d, time.Second, "MUST be capped")
		prev = d
	}
}

func TestNewBackoff_Defaults(t *testing.T) {
	b := NewBackoff(0, 0)
	assert.Equal(t, DefaultBackoffBase, b.Base())
	assert.Equal(t, DefaultBackoffMax, b.Max())

	b = NewBackoff(time.Minute, time.Second)
	assert.Equal(t, time.Minute, b.Max(), "cap below base MUST be raised to base")
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, sleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
	assert.Less(t, time.Since(start), time.Second, "MUST return promptly when cancelled")
}

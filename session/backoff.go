package session

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultBackoffBase = 30 * time.Second
	DefaultBackoffMax  = 15 * time.Minute
)

// BackoffSchedule yields base, 2×base, 4×base ... capped at max, with no jitter.
// Not safe for concurrent use; the session serializes access.
type BackoffSchedule struct {
	exp  *backoff.ExponentialBackOff
	base time.Duration
	max  time.Duration
	peek time.Duration
}

// NewBackoff creates a doubling backoff. Non-positive values fall back to
// defaults and a ceiling below base is raised to base.
func NewBackoff(base, ceiling time.Duration) *BackoffSchedule {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if ceiling <= 0 {
		ceiling = DefaultBackoffMax
	}
	if ceiling < base {
		ceiling = base
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = base
	exp.MaxInterval = ceiling
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()

	return &BackoffSchedule{exp: exp, base: base, max: ceiling, peek: base}
}

// Next returns the wait for the next consecutive failure.
func (b *BackoffSchedule) Next() time.Duration {
	d := b.exp.NextBackOff()
	if d == backoff.Stop || d > b.max {
		d = b.max
	}
	b.peek = min(2*d, b.max)
	return d
}

// Peek returns what Next would return without advancing.
func (b *BackoffSchedule) Peek() time.Duration {
	return b.peek
}

// Reset returns the sequence to base.
func (b *BackoffSchedule) Reset() {
	b.exp.Reset()
	b.peek = b.base
}

// Base returns the first interval.
func (b *BackoffSchedule) Base() time.Duration { return b.base }

// Max returns the cap.
func (b *BackoffSchedule) Max() time.Duration { return b.max }

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Package retry provides exponential backoff for device operations
// that fail transiently, such as opening a serial node whose udev
// permissions have not been applied yet.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// ── Permanent errors ─────────────────────────────────────────────────

// PermanentError wraps an error to signal that retrying will not help.
// Return [Permanent](err) from the operation function to stop retrying
// immediately.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as non-retryable. The backoff loop will return
// the inner error immediately without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err has been marked as permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// ── Backoff ──────────────────────────────────────────────────────────

// Backoff implements exponential backoff with optional jitter.
type Backoff struct {
	// InitialDelay is the delay before the first retry (default 250ms).
	InitialDelay time.Duration
	// MaxDelay caps the backoff duration (default 2s).
	MaxDelay time.Duration
	// Multiplier increases the delay each attempt (default 2.0).
	Multiplier float64
	// MaxAttempts is the total number of tries including the first.
	// Set to 0 for unlimited retries (until context cancelled).
	MaxAttempts int
	// Jitter adds ±25% randomisation.
	Jitter bool
	// Retryable, when set, classifies errors; a false result ends the
	// loop with that error as if it had been wrapped with Permanent.
	Retryable func(error) bool
	// OnRetry, when set, is called before each wait.
	OnRetry func(attempt int, wait time.Duration, err error)
}

// DefaultBackoff returns the configuration used for device opens.
func DefaultBackoff() *Backoff {
	return &Backoff{
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  3,
		Jitter:       true,
	}
}

// Do calls fn until it succeeds or the error is final. An error is
// final when it is wrapped with [Permanent], when Retryable rejects
// it, when MaxAttempts is used up, or when ctx ends during a wait.
// Attempts passed to fn count from 1.
func (b *Backoff) Do(ctx context.Context, fn func(attempt int) error) error {
	s := b.schedule()
	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		if final, out := b.final(attempt, err); final {
			return out
		}

		wait := s.next()
		if b.OnRetry != nil {
			b.OnRetry(attempt, wait, err)
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-t.C:
		}
	}
}

// final decides whether err ends the loop and what Do returns for it.
func (b *Backoff) final(attempt int, err error) (bool, error) {
	switch {
	case IsPermanent(err):
		return true, errors.Unwrap(err)
	case b.Retryable != nil && !b.Retryable(err):
		return true, err
	case b.MaxAttempts == 1:
		return true, err
	case b.MaxAttempts > 0 && attempt >= b.MaxAttempts:
		return true, fmt.Errorf("after %d attempts: %w", b.MaxAttempts, err)
	}
	return false, nil
}

// schedule yields the waits between attempts.
type schedule struct {
	delay, max time.Duration
	factor     float64
	jitter     bool
}

func (b *Backoff) schedule() *schedule {
	s := &schedule{
		delay:  b.InitialDelay,
		max:    b.MaxDelay,
		factor: b.Multiplier,
		jitter: b.Jitter,
	}
	if s.delay <= 0 {
		s.delay = 250 * time.Millisecond
	}
	if s.max <= 0 {
		s.max = 2 * time.Second
	}
	if s.factor <= 0 {
		s.factor = 2.0
	}
	return s
}

func (s *schedule) next() time.Duration {
	wait := s.delay
	if s.jitter {
		wait = addJitter(wait)
	}
	s.delay = min(time.Duration(float64(s.delay)*s.factor), s.max)
	return wait
}

// addJitter moves d by up to 25% either way, never below 1ms.
func addJitter(d time.Duration) time.Duration {
	quarter := float64(d) * 0.25
	delta := (rand.Float64() * 2 * quarter) - quarter
	return time.Duration(math.Max(float64(d)+delta, float64(time.Millisecond)))
}

// Package retry runs an operation with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Policy bounds a retry loop. Delay before attempt n (n >= 2) is
// Base * 2^(n-2), capped at Max, optionally with up to 50% jitter.
type Policy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
	Jitter   bool
}

// Default is used for store writes.
var Default = Policy{Attempts: 3, Base: 50 * time.Millisecond, Max: time.Second}

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying; Do returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Do calls fn until it succeeds, returns a permanent error, the attempts are
// exhausted or ctx is done. The last error is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(p.Delay(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return errors.Join(err, ctx.Err())
			case <-timer.C:
			}
		}
		err = fn(ctx, attempt)
		if err == nil {
			return nil
		}
		var perm permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if ctx.Err() != nil {
			return errors.Join(err, ctx.Err())
		}
	}
	return err
}

// Delay returns the wait before the given attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 || p.Base <= 0 {
		return 0
	}
	shift := attempt - 2
	if shift > 30 {
		shift = 30
	}
	d := p.Base << shift
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	if p.Jitter && d > 1 {
		d = d/2 + rand.N(d/2)
	}
	return d
}

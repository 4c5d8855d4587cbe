// Package retry implements the exponential backoff with jitter used by transports
// when dialing brokers.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

const (
	DefaultInitial = time.Second
	DefaultMax     = 30 * time.Second
)

// Backoff doubles the delay after every failed attempt up to Max, adding up to a quarter
// of the current delay as jitter.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New returns a Backoff with the default bounds.
func New() Backoff { return Backoff{Initial: DefaultInitial, Max: DefaultMax} }

// WithSleep returns a copy of b that waits through fn instead of a timer.
func (b Backoff) WithSleep(fn func(ctx context.Context, d time.Duration) error) Backoff {
	b.sleep = fn
	return b
}

// Delay returns the wait before attempt n (0-based; attempt 0 has no wait).
func (b Backoff) Delay(n int) time.Duration {
	if n <= 0 {
		return 0
	}

	initial, maxDelay := b.bounds()

	d := initial
	for i := 1; i < n && d < maxDelay; i++ {
		d *= 2
	}

	if d > maxDelay {
		d = maxDelay
	}

	if half := int64(d / 2); half > 0 {
		// #nosec G404 -- non-crypto RNG is acceptable for backoff jitter
		d += time.Duration(rand.Int64N(half)) / 2 //nolint:gosec // backoff jitter
	}

	if d > maxDelay {
		d = maxDelay
	}

	return d
}

// Do calls fn until it succeeds, attempts calls were made, or ctx is done.
// attempts below 1 means a single call. The last error is returned joined with
// every earlier one; context errors are returned as-is.
func (b Backoff) Do(ctx context.Context, attempts int, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}

	var errs []error

	for n := range attempts {
		if n > 0 {
			if err := b.wait(ctx, b.Delay(n)); err != nil {
				return err
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (b Backoff) bounds() (time.Duration, time.Duration) {
	initial, maxDelay := b.Initial, b.Max
	if initial <= 0 {
		initial = DefaultInitial
	}

	if maxDelay <= 0 {
		maxDelay = DefaultMax
	}

	if initial > maxDelay {
		initial = maxDelay
	}

	return initial, maxDelay
}

func (b Backoff) wait(ctx context.Context, d time.Duration) error {
	if b.sleep != nil {
		return b.sleep(ctx, d)
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

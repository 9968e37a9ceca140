// Package retry provides bounded retrying of fallible operations with
// exponential backoff and jitter.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseWait   = 100 * time.Millisecond
	DefaultMaxWait    = 5 * time.Second
)

// jitterFraction is the multiplicative jitter applied to each wait: the
// actual delay falls within ±20% of the exponential value.
const jitterFraction = 0.2

type config struct {
	maxRetries int
	baseWait   time.Duration
	maxWait    time.Duration
}

// Option configures a call to Do.
type Option func(*config)

// WithMaxRetries sets the maximum number of retries after the initial
// attempt. Zero means the operation runs exactly once.
func WithMaxRetries(n int) Option {
	return func(c *config) { c.maxRetries = n }
}

// WithBaseWait sets the wait before the first retry.
func WithBaseWait(d time.Duration) Option {
	return func(c *config) { c.baseWait = d }
}

// WithMaxWait caps the wait between retries.
func WithMaxWait(d time.Duration) Option {
	return func(c *config) { c.maxWait = d }
}

// WaitDuration returns the backoff delay for the given zero-based attempt:
// min(maxWait, baseWait*2^attempt) with ±20% multiplicative jitter.
func WaitDuration(attempt int, baseWait, maxWait time.Duration) time.Duration {
	if baseWait <= 0 {
		baseWait = DefaultBaseWait
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	d := baseWait
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxWait {
			d = maxWait
			break
		}
	}
	if d > maxWait {
		d = maxWait
	}
	factor := 1 - jitterFraction + 2*jitterFraction*rand.Float64()
	jittered := time.Duration(float64(d) * factor)
	if jittered > maxWait {
		jittered = maxWait
	}
	return jittered
}

// Do invokes fn, retrying on failure until it succeeds, the retry budget is
// exhausted, the error is not recoverable, or ctx is done. The last failure
// is returned unwrapped so callers can match it with errors.Is/As.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	c := &config{
		maxRetries: DefaultMaxRetries,
		baseWait:   DefaultBaseWait,
		maxWait:    DefaultMaxWait,
	}
	for _, opt := range opts {
		opt(c)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := WaitDuration(attempt-1, c.baseWait, c.maxWait)
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(wait):
			}
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsRecoverable(lastErr) {
			return lastErr
		}
		if err := ctx.Err(); err != nil {
			return lastErr
		}
	}
	return lastErr
}

// RecoverableError marks an error with an explicit retry decision.
type RecoverableError interface {
	error
	IsRecoverable() bool
}

// IsRecoverable reports whether an error may be retried. Errors that do not
// implement RecoverableError are considered recoverable by default, except
// for context cancellation which is always intentional.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var recoverable RecoverableError
	if errors.As(err, &recoverable) {
		return recoverable.IsRecoverable()
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

type recoverableError struct {
	err error
}

func (e *recoverableError) Error() string       { return e.err.Error() }
func (e *recoverableError) IsRecoverable() bool { return true }
func (e *recoverableError) Unwrap() error       { return e.err }

// Recoverable marks err as retryable.
func Recoverable(err error) error {
	return &recoverableError{err: err}
}

// NonRecoverableError wraps an error that must not be retried.
type NonRecoverableError struct {
	err error
}

func (e *NonRecoverableError) Error() string       { return e.err.Error() }
func (e *NonRecoverableError) IsRecoverable() bool { return false }
func (e *NonRecoverableError) Unwrap() error       { return e.err }

// NonRecoverable marks err as permanent.
func NonRecoverable(err error) error {
	return &NonRecoverableError{err: err}
}

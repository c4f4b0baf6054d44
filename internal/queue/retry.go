package queue

import (
	"errors"
	"time"
)

// BackoffFunc returns the delay before the attempt that follows attempt.
type BackoffFunc func(attempt int) time.Duration

// ExponentialBackoff doubles base for each attempt: base, 2*base, 4*base...
func ExponentialBackoff(base time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		if attempt > 30 {
			attempt = 30
		}
		return base * time.Duration(1<<(attempt-1))
	}
}

// RetryPolicy decides whether and when a failed attempt runs again.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     BackoffFunc
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: ExponentialBackoff(time.Second)}
}

// ShouldRetry is false for permanent errors and for the last allowed attempt.
func (p RetryPolicy) ShouldRetry(attempt int, err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	return attempt < p.MaxAttempts
}

// Delay is the wait before the attempt following attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.Backoff == nil {
		return 0
	}
	return p.Backoff(attempt)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() error   { return e.err }
func (e *permanentError) Permanent() bool { return true }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, declares itself permanent.
func IsPermanent(err error) bool {
	var p interface{ Permanent() bool }
	for err != nil {
		if !errors.As(err, &p) {
			return false
		}
		if p.Permanent() {
			return true
		}
		// a wrapper said no; keep looking below it
		u, ok := p.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

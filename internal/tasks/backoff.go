package tasks

import "time"

const (
	DefaultBackoffBase = time.Second
	DefaultBackoffMax  = 5 * time.Minute
)

// BackoffFunc returns the delay before the next try after the given number
// of failed attempts.
type BackoffFunc func(attempt int) time.Duration

// Backoff doubles base for each failed attempt and caps the delay at ceiling.
// The result never decreases as attempt grows.
func Backoff(base, ceiling time.Duration) BackoffFunc {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if ceiling < base {
		ceiling = base
	}
	return func(attempt int) time.Duration {
		if attempt <= 0 {
			attempt = 1
		}
		shift := attempt - 1
		if shift >= 62 {
			return ceiling
		}
		backoff := base << shift
		if backoff <= 0 || backoff > ceiling || backoff>>shift != base {
			return ceiling
		}
		return backoff
	}
}

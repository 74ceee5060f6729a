package delivery

import "time"

// RetryPolicy maps an attempt count to a backoff delay and a
// retry/no-retry decision. It is deterministic: jitter, if any, belongs
// to the poll driver issuing the wait, not to the policy.
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	MaxAttempts int
}

// DefaultRetryPolicy returns the default backoff configuration.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   60 * time.Second,
		MaxDelay:    3600 * time.Second,
		Multiplier:  2.0,
		MaxAttempts: 3,
	}
}

// NextDelay returns the backoff delay before the given attempt,
// 1-indexed: min(base * multiplier^(attempt-1), cap).
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= p.Multiplier
		if delay >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}

	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// ShouldRetry reports whether another attempt is allowed after attempt
// attempts have been made.
func (p RetryPolicy) ShouldRetry(attempt, maxAttempts int) bool {
	return attempt < maxAttempts
}

package removal

import "time"

// backoffDelays holds the wait before re-attempting after the Nth failure.
var backoffDelays = [...]time.Duration{
	30 * time.Second, // after 1st failure
	2 * time.Minute,  // after 2nd failure
	5 * time.Minute,  // after 3rd+ failure
}

// RetryPolicy decides whether and when a failed submission gets another
// attempt. It performs no I/O so it can be unit tested without timers.
type RetryPolicy struct {
	MaxAttempts int
}

// DefaultRetryPolicy allows three attempts with 30s and 2m waits between.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3}
}

// Allowed reports whether another attempt is permitted after attemptNum
// submissions have been made.
func (p RetryPolicy) Allowed(attemptNum int) bool {
	return attemptNum < p.MaxAttempts
}

// Backoff returns the wait inserted after the attemptNum-th failed attempt.
func (p RetryPolicy) Backoff(attemptNum int) time.Duration {
	if attemptNum < 1 {
		attemptNum = 1
	}
	if attemptNum > len(backoffDelays) {
		attemptNum = len(backoffDelays)
	}
	return backoffDelays[attemptNum-1]
}

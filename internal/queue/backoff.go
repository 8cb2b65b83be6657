package queue

import "time"

// DefaultBackoffBase is the first retry delay; doubles each attempt.
const DefaultBackoffBase = 60 * time.Second

// RetryDelay computes the delay before retry attempt n (1-based):
// base * 2^(n-1). Attempt 0 or negative yields base.
func RetryDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if attempt < 1 {
		attempt = 1
	}
	// Cap the shift so a misconfigured attempt count cannot overflow.
	shift := uint(attempt - 1)
	if shift > 20 {
		shift = 20
	}
	return base << shift
}

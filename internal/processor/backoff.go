package processor

import (
	"math"
	"time"
)

// Backoff returns the redelivery delay after the given attempt failed: base * 2^(attempt-1).
// A positive max caps the result. Attempts below 1 are treated as the first attempt.
func Backoff(base time.Duration, attempt int, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := base
	for i := 1; i < attempt; i++ {
		if d > math.MaxInt64/2 {
			d = math.MaxInt64
			break
		}
		d *= 2
	}

	if max > 0 && d > max {
		return max
	}
	return d
}

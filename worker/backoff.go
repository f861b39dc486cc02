package worker

import (
	"math"
	"time"
)

/* Backoff returns the delay before the next attempt after `attempt`
 * recorded failures: base * 2^(attempt-1), capped
 * Delays grow strictly until the cap: base, 2*base, 4*base, ...
 */
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}

package classify

import (
	"math/rand"
	"time"
)

// Backoff returns the wait before retry attempt n (0-based): geometric
// doubling from BaseBackoff, capped at MaxBackoff, with ±10% jitter so
// parallel sessions do not retry in lockstep.
func Backoff(attempt int) time.Duration {
	return BackoffWithJitter(attempt, rand.Float64)
}

// BackoffWithJitter is Backoff with an injectable jitter source. jitter
// must return values in [0, 1).
func BackoffWithJitter(attempt int, jitter func() float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	wait := BaseBackoff
	for i := 0; i < attempt; i++ {
		wait *= 2
		if wait >= MaxBackoff {
			wait = MaxBackoff
			break
		}
	}

	// ±10% jitter
	factor := 0.9 + jitter()*0.2
	return time.Duration(float64(wait) * factor)
}

package synctask

import (
	"math/rand"
	"time"
)

const jitterFraction = 0.2

// Backoff is the delay before retry number attempts: base * 2^(attempts-1)
// with +/-20% jitter, never above max. rnd returns a value in [0, 1).
func Backoff(attempts int, base, max time.Duration, rnd func() float64) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if rnd == nil {
		rnd = rand.Float64
	}

	d := max
	if attempts <= 32 {
		if exp := base << uint(attempts-1); exp > 0 && exp < max {
			d = exp
		}
	}

	jittered := time.Duration(float64(d) * (1 - jitterFraction + 2*jitterFraction*rnd()))
	if jittered > max {
		return max
	}
	return jittered
}

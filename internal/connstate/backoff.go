package connstate

import (
	"math"
	"math/rand/v2"
	"time"
)

// backoffDelay returns base doubled for every attempt after the first, capped
// at ceiling. Without a ceiling it saturates at the largest duration.
func backoffDelay(base, ceiling time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
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
		if ceiling > 0 && d >= ceiling {
			return ceiling
		}
	}
	if ceiling > 0 && d > ceiling {
		d = ceiling
	}
	return d
}

// jitteredDelay spreads d by up to ±pct percent, never exceeding ceiling.
// pct <= 0 disables jitter.
func jitteredDelay(d, ceiling time.Duration, pct int) time.Duration {
	if pct <= 0 || d <= 0 {
		return d
	}
	delta := (rand.Float64()*2 - 1) * float64(pct) / 100.0
	wait := time.Duration(float64(d) * (1 + delta))
	if wait < 0 {
		wait = d
	}
	if ceiling > 0 && wait > ceiling {
		wait = ceiling
	}
	return wait
}

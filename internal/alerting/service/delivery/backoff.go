package delivery

import (
	"math"
	"math/rand"
	"time"
)

// Backoff returns min(base*2^(attempt-1), max) scaled by a uniform factor in [1-jitter, 1+jitter].
func Backoff(attempt int, base, max time.Duration, jitter float64, rnd func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if rnd == nil {
		rnd = rand.Float64
	}
	d := float64(base) * math.Pow(2, float64(attempt-1))
	if max > 0 && d > float64(max) {
		d = float64(max)
	}
	if jitter > 0 {
		if jitter > 1 {
			jitter = 1
		}
		d *= 1 + (rnd()*2-1)*jitter
	}
	return time.Duration(d)
}

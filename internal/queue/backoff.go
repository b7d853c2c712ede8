package queue

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// computeBackoff returns the delay before retrying a job on its attempt'th
// failure (attempt is 1-indexed: the delay before the first retry). It
// drives cenkalti/backoff's exponential curve by replaying NextBackOff()
// attempt times, so the result is base*2^(attempt-1) with ±20% jitter, then
// clamps to max so a misconfigured policy can never produce an unbounded
// delay.
func computeBackoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = base
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = base
	eb.MaxInterval = max
	eb.Multiplier = 2
	eb.RandomizationFactor = 0.2
	eb.MaxElapsedTime = 0 // never report backoff.Stop
	eb.Reset()

	d := base
	for i := 0; i < attempt; i++ {
		d = eb.NextBackOff()
	}
	if d > max {
		d = max
	}
	return d
}

package clearnode

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// backoffDelay returns base*2^attempt capped at max, without jitter.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 0; i < attempt && d < max; i++ {
		d = b.NextBackOff()
	}
	return min(d, max)
}

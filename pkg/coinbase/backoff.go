package coinbase

import (
	"math/rand"
	"time"
)

// Backoff spaces feed reconnect attempts exponentially with jitter.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64
}

func DefaultBackoff() Backoff {
	return Backoff{
		Min:    250 * time.Millisecond,
		Max:    10 * time.Second,
		Factor: 2.0,
		Jitter: 0.2,
	}
}

// Next returns the wait before reconnect attempt n (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	wait := b.Min
	if wait <= 0 {
		wait = 100 * time.Millisecond
	}
	max := b.Max
	if max <= 0 {
		max = 10 * time.Second
	}
	factor := b.Factor
	if factor <= 1 {
		factor = 2.0
	}

	for i := 1; i < attempt; i++ {
		wait = time.Duration(float64(wait) * factor)
		if wait >= max {
			wait = max
			break
		}
	}

	if b.Jitter <= 0 {
		return wait
	}
	jitter := b.Jitter
	if jitter > 1 {
		jitter = 1
	}
	delta := float64(wait) * jitter
	return wait - time.Duration(delta) + time.Duration(rand.Float64()*2*delta)
}

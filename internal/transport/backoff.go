package transport

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Backoff computes exponential reconnect delays.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter adds up to ±10% random jitter to each delay.
	Jitter bool
}

// DefaultBackoff is the push channel policy: 1s doubling up to 30s.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:       time.Second,
		Max:        30 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// Delay returns the wait before reconnect attempt n (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	mult := b.Multiplier
	if mult <= 1 {
		mult = 2.0
	}
	delay := float64(b.Base) * math.Pow(mult, float64(attempt))
	if delay > float64(b.Max) {
		delay = float64(b.Max)
	}

	if b.Jitter {
		jitterRange := delay * 0.1
		delay += (rand.Float64() - 0.5) * 2 * jitterRange
		if delay > float64(b.Max) {
			delay = float64(b.Max)
		}
		if delay < 0 {
			delay = float64(b.Base)
		}
	}
	return time.Duration(delay)
}

// sleep waits for d or until ctx is done. It reports false on cancellation.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

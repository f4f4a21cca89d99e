package transport

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Delay is the pause before redial attempt n (1-based). The first retry always waits
// exactly InitialDelay; later ones grow by Multiplier, cap at MaxDelay and, with Jitter,
// land in [0.5, 1.5) of the capped value. A nil rng jitters to the low bound.
func (b BackoffConfig) Delay(n int, rng *rand.Rand) time.Duration {
	if n <= 1 || b.InitialDelay <= 0 {
		return max(b.InitialDelay, 0)
	}
	growth := math.Pow(max(b.Multiplier, 1), float64(n-1))
	d := float64(b.InitialDelay) * growth
	if b.MaxDelay > 0 {
		d = math.Min(d, float64(b.MaxDelay))
	}
	if !b.Jitter {
		return time.Duration(d)
	}
	scale := 0.5
	if rng != nil {
		scale += rng.Float64()
	}
	return time.Duration(d * scale)
}

// sleepCtx pauses for d or until ctx ends, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

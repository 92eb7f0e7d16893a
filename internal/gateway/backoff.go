package gateway

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

const (
	floorBackoff  = 100 * time.Millisecond
	ceilBackoff   = 30 * time.Second
	defaultFactor = 2.0
)

// DefaultBackoff starts at one second and caps at thirty.
func DefaultBackoff() Backoff {
	return Backoff{
		Min:    time.Second,
		Max:    ceilBackoff,
		Factor: defaultFactor,
		Jitter: 0.2,
	}
}

// normalized fills unset fields and clamps the rest into a usable range.
func (b Backoff) normalized() Backoff {
	if b.Min <= 0 {
		b.Min = floorBackoff
	}
	if b.Max <= 0 {
		b.Max = ceilBackoff
	}
	b.Min = min(b.Min, b.Max)
	if b.Factor <= 1 {
		b.Factor = defaultFactor
	}
	b.Jitter = math.Min(math.Max(b.Jitter, 0), 1)
	return b
}

// Next returns the wait before reconnect attempt n (1-based): Min×Factor^(n-1)
// capped at Max, then spread by ±Jitter of itself.
func (b Backoff) Next(attempt int) time.Duration {
	b = b.normalized()
	attempt = max(attempt, 1)

	wait := float64(b.Min) * math.Pow(b.Factor, float64(attempt-1))
	if math.IsInf(wait, 0) || wait > float64(b.Max) {
		wait = float64(b.Max)
	}
	if b.Jitter > 0 {
		wait += (2*rand.Float64() - 1) * b.Jitter * wait
	}
	return time.Duration(wait)
}

// sleepContext waits for d and reports false if ctx ended first.
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

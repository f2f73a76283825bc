package realtime

import (
	"math"
	"math/rand/v2"
	"time"
)

// Retryer decides how long to wait before resubscribing.
type Retryer interface {
	// NextDelay returns the delay before attempt (zero-based) and false
	// when the channel should give up.
	NextDelay(attempt int, lastErr error) (time.Duration, bool)
	// Reset is called after a successful subscription.
	Reset()
}

// ExponentialBackoff grows the delay geometrically up to MaxDelay, with
// optional jitter. MaxRetries of zero retries forever.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64
	MaxRetries   int
}

// NewExponentialBackoff returns the default backoff: 500ms doubling to
// 30s with 30% jitter, retrying forever.
func NewExponentialBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		JitterFactor: 0.3,
	}
}

func (r *ExponentialBackoff) NextDelay(attempt int, _ error) (time.Duration, bool) {
	if r.MaxRetries > 0 && attempt >= r.MaxRetries {
		return 0, false
	}
	delay := float64(r.InitialDelay) * math.Pow(r.Multiplier, float64(attempt))
	if delay > float64(r.MaxDelay) {
		delay = float64(r.MaxDelay)
	}
	if r.JitterFactor > 0 {
		//nolint:gosec // jitter only
		delay += delay * r.JitterFactor * (2*rand.Float64() - 1)
		if delay < 0 {
			delay = float64(r.InitialDelay)
		}
	}
	return time.Duration(delay), true
}

func (r *ExponentialBackoff) Reset() {}

// FixedDelay waits the same Delay before every attempt.
type FixedDelay struct {
	Delay      time.Duration
	MaxRetries int
}

func (r *FixedDelay) NextDelay(attempt int, _ error) (time.Duration, bool) {
	if r.MaxRetries > 0 && attempt >= r.MaxRetries {
		return 0, false
	}
	return r.Delay, true
}

func (r *FixedDelay) Reset() {}

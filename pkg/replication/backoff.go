package replication

import (
	"math/rand"
	"time"
)

// Backoff paces reconnection attempts. Wait blocks until attempt number
// attempt (zero-based) is due and reports whether to proceed; it returns
// false immediately once the attempt budget is spent, or early when
// cancel is closed.
type Backoff interface {
	Wait(attempt int, cancel <-chan struct{}) bool
}

// ExponentialBackoff grows the delay geometrically up to a cap. Network
// partitions are expected and recoverable for an offline-first engine,
// so a zero MaxAttempts retries forever.
type ExponentialBackoff struct {
	// Initial is the delay before the first retry.
	Initial time.Duration

	// Max caps the delay.
	Max time.Duration

	// Factor is the growth per attempt.
	Factor float64

	// Jitter spreads each delay by up to this fraction in either
	// direction, so a fleet of clients does not reconnect in lockstep.
	Jitter float64

	// MaxAttempts limits consecutive failed attempts; zero retries
	// forever.
	MaxAttempts int
}

// DefaultBackoff is the engine's reconnect policy.
func DefaultBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		Initial: time.Second,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.3,
	}
}

// Delay returns the capped nominal delay before the given attempt,
// before jitter is applied.
func (b *ExponentialBackoff) Delay(attempt int) time.Duration {
	d := float64(b.Initial)
	for i := 0; i < attempt; i++ {
		d *= b.Factor
		if d >= float64(b.Max) {
			return b.Max
		}
	}
	return time.Duration(d)
}

func (b *ExponentialBackoff) Wait(attempt int, cancel <-chan struct{}) bool {
	if b.MaxAttempts > 0 && attempt >= b.MaxAttempts {
		return false
	}

	d := b.Delay(attempt)
	if b.Jitter > 0 {
		//nolint:gosec // pacing only, not security-sensitive
		d += time.Duration(b.Jitter * (2*rand.Float64() - 1) * float64(d))
	}
	return sleep(d, cancel)
}

// FixedBackoff waits a constant delay between attempts. Tests use it to
// keep reconnection fast and deterministic.
type FixedBackoff struct {
	Delay       time.Duration
	MaxAttempts int
}

func NewFixedBackoff(delay time.Duration, maxAttempts int) *FixedBackoff {
	return &FixedBackoff{Delay: delay, MaxAttempts: maxAttempts}
}

func (b *FixedBackoff) Wait(attempt int, cancel <-chan struct{}) bool {
	if b.MaxAttempts > 0 && attempt >= b.MaxAttempts {
		return false
	}
	return sleep(b.Delay, cancel)
}

func sleep(d time.Duration, cancel <-chan struct{}) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-cancel:
		return false
	case <-timer.C:
		return true
	}
}

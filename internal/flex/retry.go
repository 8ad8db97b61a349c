package flex

import (
	"math/rand"
	"time"
)

// RetryStrategy holds the poll retry tuning. All values are
// configuration-driven so tests can pin the schedule.
type RetryStrategy struct {
	InitialWait time.Duration
	Attempts    int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	JitterMin   float64
	JitterMax   float64

	// RandUnit returns a value in [0.0, 1.0). Defaults to math/rand;
	// injectable for deterministic tests.
	RandUnit func() float64
}

// DefaultRetryStrategy mirrors the documented configuration defaults.
func DefaultRetryStrategy() RetryStrategy {
	return RetryStrategy{
		InitialWait: 5 * time.Second,
		Attempts:    7,
		BackoffBase: 10 * time.Second,
		BackoffMax:  60 * time.Second,
		JitterMin:   0.5,
		JitterMax:   1.5,
	}
}

// WaitFor computes the delay before poll attempt i (zero-based):
// max(initial wait, code floor, clamp(base * 2^i, max) * U(jitterMin, jitterMax)).
// The floor carries over from the previous attempt's retryable error code.
func (s RetryStrategy) WaitFor(attempt int, floor time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	backoff := s.BackoffBase << uint(attempt)
	if backoff > s.BackoffMax || backoff < 0 {
		backoff = s.BackoffMax
	}

	jittered := time.Duration(float64(backoff) * s.jitterMultiplier())

	wait := jittered
	if s.InitialWait > wait {
		wait = s.InitialWait
	}
	if floor > wait {
		wait = floor
	}
	return wait
}

func (s RetryStrategy) jitterMultiplier() float64 {
	unit := s.RandUnit
	if unit == nil {
		unit = rand.Float64
	}
	return s.JitterMin + unit()*(s.JitterMax-s.JitterMin)
}

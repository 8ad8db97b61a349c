package flex

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fixedUnit pins the jitter source for deterministic schedules.
func fixedUnit(v float64) func() float64 {
	return func() float64 { return v }
}

func TestRetryStrategy_InitialWaitFloorsFirstAttempt(t *testing.T) {
	s := RetryStrategy{
		InitialWait: 5 * time.Second,
		Attempts:    7,
		BackoffBase: 1 * time.Second,
		BackoffMax:  60 * time.Second,
		JitterMin:   1.0,
		JitterMax:   1.0,
		RandUnit:    fixedUnit(0),
	}
	// base * 2^0 = 1s, below the initial wait.
	require.Equal(t, 5*time.Second, s.WaitFor(0, 0))
}

func TestRetryStrategy_ExponentialGrowthWithClamp(t *testing.T) {
	s := RetryStrategy{
		InitialWait: 0,
		Attempts:    7,
		BackoffBase: 10 * time.Second,
		BackoffMax:  60 * time.Second,
		JitterMin:   1.0,
		JitterMax:   1.0,
		RandUnit:    fixedUnit(0),
	}
	require.Equal(t, 10*time.Second, s.WaitFor(0, 0))
	require.Equal(t, 20*time.Second, s.WaitFor(1, 0))
	require.Equal(t, 40*time.Second, s.WaitFor(2, 0))
	require.Equal(t, 60*time.Second, s.WaitFor(3, 0)) // clamp
	require.Equal(t, 60*time.Second, s.WaitFor(6, 0)) // still clamped
}

func TestRetryStrategy_JitterBounds(t *testing.T) {
	s := RetryStrategy{
		InitialWait: 0,
		Attempts:    7,
		BackoffBase: 10 * time.Second,
		BackoffMax:  60 * time.Second,
		JitterMin:   0.5,
		JitterMax:   1.5,
	}

	s.RandUnit = fixedUnit(0)
	require.Equal(t, 5*time.Second, s.WaitFor(0, 0))

	s.RandUnit = fixedUnit(1)
	require.Equal(t, 15*time.Second, s.WaitFor(0, 0))
}

func TestRetryStrategy_CodeFloorOverridesWhenLarger(t *testing.T) {
	s := RetryStrategy{
		InitialWait: 0,
		Attempts:    7,
		BackoffBase: 1 * time.Second,
		BackoffMax:  60 * time.Second,
		JitterMin:   1.0,
		JitterMax:   1.0,
		RandUnit:    fixedUnit(0),
	}
	// 1018 floor (10s) beats the 2s computed backoff at attempt 1.
	require.Equal(t, RetryFloor(CodeRateLimited), s.WaitFor(1, RetryFloor(CodeRateLimited)))
	// Larger computed backoff wins over the 5s floor.
	require.Equal(t, 16*time.Second, s.WaitFor(4, RetryFloor(CodeServerBusy)))
}

func TestRetryFloors(t *testing.T) {
	require.Equal(t, 10*time.Second, RetryFloor(CodeRateLimited))
	require.Equal(t, 5*time.Second, RetryFloor(CodeServerBusy))
	require.Equal(t, 5*time.Second, RetryFloor(CodeStatementInProgress))
}

func TestCodeClassification(t *testing.T) {
	require.True(t, IsRetryablePollCode(CodeServerBusy))
	require.True(t, IsRetryablePollCode(CodeRateLimited))
	require.True(t, IsRetryablePollCode(CodeStatementInProgress))
	require.False(t, IsRetryablePollCode(CodeTokenExpired))

	require.True(t, IsTokenCode(CodeTokenExpired))
	require.True(t, IsTokenCode(CodeInvalidToken))
	require.False(t, IsTokenCode(CodeServerBusy))

	require.True(t, IsFatalCode(CodeInvalidQuery))
	require.False(t, IsFatalCode(CodeStatementInProgress))
	// Unknown codes classify as fatal.
	require.True(t, IsFatalCode("9999"))
}

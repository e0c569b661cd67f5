package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBreaker(threshold int, reset time.Duration) (*CircuitBreaker, *time.Time) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: threshold,
		ResetTimeout:     reset,
	})
	clock := time.Now()
	cb.now = func() time.Time { return clock }
	return cb, &clock
}

func failCall(cb *CircuitBreaker) error {
	_, err := ExecuteVal(context.Background(), cb, func(context.Context) (int, error) {
		return 0, eris.New("api down")
	})
	return err
}

func okCall(cb *CircuitBreaker) error {
	_, err := ExecuteVal(context.Background(), cb, func(context.Context) (int, error) {
		return 1, nil
	})
	return err
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb, _ := testBreaker(3, time.Minute)

	for range 3 {
		require.Error(t, failCall(cb))
	}
	assert.Equal(t, CircuitOpen, cb.State())

	err := okCall(cb)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircuitOpen, "open circuit must reject without calling")
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb, _ := testBreaker(3, time.Minute)

	require.Error(t, failCall(cb))
	require.Error(t, failCall(cb))
	require.NoError(t, okCall(cb))
	require.Error(t, failCall(cb))
	require.Error(t, failCall(cb))
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestBreakerProbeClosesOnSuccess(t *testing.T) {
	cb, clock := testBreaker(2, time.Minute)

	require.Error(t, failCall(cb))
	require.Error(t, failCall(cb))
	assert.Equal(t, CircuitOpen, cb.State())

	*clock = clock.Add(2 * time.Minute)
	assert.Equal(t, CircuitHalfOpen, cb.State())

	require.NoError(t, okCall(cb))
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	cb, clock := testBreaker(2, time.Minute)

	require.Error(t, failCall(cb))
	require.Error(t, failCall(cb))

	*clock = clock.Add(2 * time.Minute)
	require.Error(t, failCall(cb))
	assert.Equal(t, CircuitOpen, cb.State())

	err := okCall(cb)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreakerReset(t *testing.T) {
	cb, _ := testBreaker(1, time.Hour)

	require.Error(t, failCall(cb))
	assert.Equal(t, CircuitOpen, cb.State())

	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.NoError(t, okCall(cb))
}

func TestBreakerDefaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{})
	assert.Equal(t, DefaultCircuitBreakerConfig().FailureThreshold, cb.cfg.FailureThreshold)
	assert.Equal(t, DefaultCircuitBreakerConfig().ResetTimeout, cb.cfg.ResetTimeout)
}

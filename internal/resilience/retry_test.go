package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func TestDo_SuccessAfterTransientFailures(t *testing.T) {
	calls := 0
	v, err := Do(context.Background(), fastRetry(), func(_ context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", NewTransientError(errors.New("busy"), 429)
		}
		return "rows", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "rows", v)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastRetry(), func(_ context.Context) (int, error) {
		calls++
		return 0, NewTransientError(errors.New("gateway timeout"), 504)
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "gateway timeout")
}

func TestDo_NonTransientNotRetried(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastRetry(), func(_ context.Context) (int, error) {
		calls++
		return 0, errors.New("bad request")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelledStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	cfg := fastRetry()
	cfg.InitialBackoff = time.Hour
	cfg.MaxBackoff = time.Hour
	cfg.OnRetry = func(int, time.Duration, error) { cancel() }

	_, err := Do(ctx, cfg, func(_ context.Context) (int, error) {
		calls++
		return 0, NewTransientError(errors.New("busy"), 503)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_CustomShouldRetry(t *testing.T) {
	calls := 0
	cfg := fastRetry()
	cfg.ShouldRetry = func(error) bool { return true }
	_, _ = Do(context.Background(), cfg, func(_ context.Context) (int, error) {
		calls++
		return 0, errors.New("anything")
	})
	assert.Equal(t, 3, calls)
}

func TestDo_HonorsRetryAfterUpToMaxBackoff(t *testing.T) {
	var delays []time.Duration
	cfg := fastRetry()
	cfg.MaxAttempts = 2
	cfg.MaxBackoff = 20 * time.Millisecond
	cfg.OnRetry = func(_ int, d time.Duration, _ error) { delays = append(delays, d) }

	_, _ = Do(context.Background(), cfg, func(_ context.Context) (int, error) {
		return 0, &TransientError{Err: errors.New("slots exhausted"), StatusCode: 429, RetryAfter: time.Minute}
	})
	assert.Equal(t, []time.Duration{20 * time.Millisecond}, delays)
}

func TestRetryDelay(t *testing.T) {
	cfg := RetryConfig{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 2}

	plain := errors.New("busy")
	assert.Equal(t, 100*time.Millisecond, retryDelay(0, cfg, plain))

	hinted := &TransientError{Err: plain, RetryAfter: 500 * time.Millisecond}
	assert.Equal(t, 500*time.Millisecond, retryDelay(0, cfg, hinted))
	// A hint shorter than the backoff does not shorten it.
	assert.Equal(t, 800*time.Millisecond, retryDelay(3, cfg, hinted))
}

func TestComputeBackoff(t *testing.T) {
	cfg := RetryConfig{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 2}

	assert.Equal(t, 100*time.Millisecond, computeBackoff(0, cfg))
	assert.Equal(t, 400*time.Millisecond, computeBackoff(2, cfg))
	assert.Equal(t, time.Second, computeBackoff(10, cfg))

	cfg.JitterFraction = 0.5
	for range 20 {
		d := computeBackoff(0, cfg)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestFromRetryConfig(t *testing.T) {
	cfg := FromRetryConfig(5, 0, time.Minute)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, DefaultRetryConfig().InitialBackoff, cfg.InitialBackoff)
	assert.Equal(t, time.Minute, cfg.MaxBackoff)

	cb := FromCircuitConfig(0, 10*time.Second)
	assert.Equal(t, 5, cb.FailureThreshold)
	assert.Equal(t, 10*time.Second, cb.ResetTimeout)
}

package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func TestDoSucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastRetry(3), func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesTransientErrors(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastRetry(3), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return NewTransientError(eris.New("remote unavailable"), 503)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	permanent := eris.New("validation rejected")
	err := Do(context.Background(), fastRetry(3), func(ctx context.Context) error {
		calls++
		return permanent
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastRetry(3), func(ctx context.Context) error {
		calls++
		return NewTransientError(eris.New("still down"), 502)
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, fastRetry(5), func(ctx context.Context) error {
		calls++
		cancel()
		return NewTransientError(eris.New("down"), 503)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoValPreservesValue(t *testing.T) {
	calls := 0
	val, err := DoVal(context.Background(), fastRetry(3), func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, NewTransientError(eris.New("blip"), 500)
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, val)
	assert.Equal(t, 2, calls)
}

func TestDoCallsOnRetry(t *testing.T) {
	var attempts []int
	cfg := fastRetry(3)
	cfg.OnRetry = func(attempt int, err error) {
		attempts = append(attempts, attempt)
	}
	_ = Do(context.Background(), cfg, func(ctx context.Context) error {
		return NewTransientError(eris.New("down"), 503)
	})
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestComputeBackoffCapped(t *testing.T) {
	cfg := applyDefaults(RetryConfig{
		InitialBackoff: time.Second,
		MaxBackoff:     2 * time.Second,
		Multiplier:     10,
		JitterFraction: -1, // normalized to 0
	})
	assert.Equal(t, time.Second, computeBackoff(0, cfg))
	assert.Equal(t, 2*time.Second, computeBackoff(1, cfg))
	assert.Equal(t, 2*time.Second, computeBackoff(5, cfg))
}

package crawler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExecuteSucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()
	exec := quickRetry()

	calls := 0
	err := exec.Execute(context.Background(), "op", func(context.Context) error {
		calls++
		if calls < 3 {
			return Transient(errors.New("flaky"))
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestExecuteFatalSurfacesImmediately(t *testing.T) {
	t.Parallel()
	exec := quickRetry()

	calls := 0
	cause := errors.New("schema changed")
	err := exec.Execute(context.Background(), "op", func(context.Context) error {
		calls++
		return Fatal(cause)
	})
	require.ErrorIs(t, err, cause)
	require.Equal(t, 1, calls)
}

func TestExecuteExhaustsBudget(t *testing.T) {
	t.Parallel()
	exec := quickRetry()

	calls := 0
	err := exec.Execute(context.Background(), "fetch page", func(context.Context) error {
		calls++
		return Transient(errors.New("still down"))
	})
	require.Equal(t, 3, calls)

	var exhausted *RetryExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, "fetch page", exhausted.Op)
	require.Equal(t, 3, exhausted.Attempts)
	require.True(t, IsFatal(err))
}

func TestExecuteStopsOnCanceledContext(t *testing.T) {
	t.Parallel()
	exec := NewRetryExecutor(RetryPolicy{
		MaxRetries: 5,
		BaseDelay:  time.Hour,
		MaxDelay:   time.Hour,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	err := exec.Execute(ctx, "op", func(context.Context) error {
		calls++
		return Transient(errors.New("flaky"))
	})
	require.Error(t, err)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
	require.Less(t, time.Since(start), time.Second)
}

func TestBackoffIsMonotone(t *testing.T) {
	t.Parallel()
	for _, kind := range []BackoffKind{BackoffLinear, BackoffExponential} {
		exec := NewRetryExecutor(RetryPolicy{
			MaxRetries: 10,
			BaseDelay:  2 * time.Second,
			MaxDelay:   30 * time.Second,
			Kind:       kind,
		}, nil)
		prev := time.Duration(0)
		for attempt := 0; attempt < 12; attempt++ {
			d := exec.Backoff(attempt)
			require.GreaterOrEqual(t, d, prev, "kind=%s attempt=%d", kind, attempt)
			require.LessOrEqual(t, d, 30*time.Second, "kind=%s attempt=%d", kind, attempt)
			prev = d
		}
	}
}

func TestBackoffLinearGrowth(t *testing.T) {
	t.Parallel()
	exec := NewRetryExecutor(RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		MaxDelay:   30 * time.Second,
		Kind:       BackoffLinear,
	}, nil)

	require.Equal(t, 2*time.Second, exec.Backoff(0))
	require.Equal(t, 4*time.Second, exec.Backoff(1))
	require.Equal(t, 6*time.Second, exec.Backoff(2))
}

func TestBackoffExponentialCapped(t *testing.T) {
	t.Parallel()
	exec := NewRetryExecutor(RetryPolicy{
		MaxRetries: 8,
		BaseDelay:  2 * time.Second,
		MaxDelay:   30 * time.Second,
		Kind:       BackoffExponential,
	}, nil)

	require.Equal(t, 2*time.Second, exec.Backoff(0))
	require.Equal(t, 4*time.Second, exec.Backoff(1))
	require.Equal(t, 16*time.Second, exec.Backoff(3))
	require.Equal(t, 30*time.Second, exec.Backoff(6))
	require.Equal(t, 30*time.Second, exec.Backoff(10))
}

package crawler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// BackoffKind selects the growth curve for retry delays.
type BackoffKind string

// Supported backoff curves. Both are monotonically non-decreasing.
const (
	// BackoffLinear grows by a fixed increment per attempt, mirroring
	// the observed source behavior.
	BackoffLinear      BackoffKind = "linear"
	BackoffExponential BackoffKind = "exponential"
)

// RetryPolicy controls RetryExecutor behavior.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Kind       BackoffKind
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		MaxDelay:   30 * time.Second,
		Kind:       BackoffLinear,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxRetries <= 0 {
		p.MaxRetries = d.MaxRetries
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.Kind != BackoffExponential {
		p.Kind = BackoffLinear
	}
	return p
}

// RetryExecutor wraps fallible operations with bounded retries and
// monotone backoff. Transient failures are retried up to the budget;
// fatal failures surface immediately.
type RetryExecutor struct {
	policy RetryPolicy
	logger *zap.Logger
}

// NewRetryExecutor builds an executor with the given policy.
func NewRetryExecutor(policy RetryPolicy, logger *zap.Logger) *RetryExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryExecutor{policy: policy.normalized(), logger: logger}
}

// Execute runs op until it succeeds, fails fatally, or the retry
// budget is spent. The sleep between attempts honors ctx so shutdown
// never waits out a backoff.
func (e *RetryExecutor) Execute(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var last error
	for attempt := 0; attempt <= e.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := e.Backoff(attempt - 1)
			e.logger.Warn("retrying operation",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Int("max_retries", e.policy.MaxRetries),
				zap.Duration("delay", delay),
				zap.Error(last),
			)
			RetriesTotal.Inc()
			if err := sleepContext(ctx, delay); err != nil {
				return fmt.Errorf("%s: backoff interrupted: %w", op, err)
			}
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if IsFatal(err) {
			return err
		}
		last = err
	}
	return &RetryExhaustedError{Op: op, Attempts: e.policy.MaxRetries + 1, LastErr: last}
}

// Backoff returns the delay before the given zero-based retry attempt.
// delay(k2) >= delay(k1) holds for all k1 < k2.
func (e *RetryExecutor) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	var delay time.Duration
	switch e.policy.Kind {
	case BackoffExponential:
		delay = e.policy.BaseDelay
		for i := 0; i < attempt; i++ {
			delay *= 2
			if delay >= e.policy.MaxDelay {
				return e.policy.MaxDelay
			}
		}
	default:
		delay = e.policy.BaseDelay * time.Duration(attempt+1)
	}
	if delay > e.policy.MaxDelay {
		delay = e.policy.MaxDelay
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

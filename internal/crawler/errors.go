package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrRecoveryTimeout is returned when a block outlives the recovery
// wait budget.
var ErrRecoveryTimeout = errors.New("block recovery timed out")

type classifiedError struct {
	cause     error
	transient bool
}

func (e *classifiedError) Error() string { return e.cause.Error() }
func (e *classifiedError) Unwrap() error { return e.cause }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{cause: err, transient: true}
}

// Fatal marks err as non-retryable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{cause: err, transient: false}
}

// IsFatal reports whether err must surface without retrying. Explicit
// classification wins; context ends are always fatal; network errors
// are retried only when they are timeouts; everything else defaults to
// transient.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ce *classifiedError
	if errors.As(err, &ce) {
		return !ce.transient
	}
	var exhausted *RetryExhaustedError
	if errors.As(err, &exhausted) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return !netErr.Timeout()
	}
	return false
}

// RetryExhaustedError reports a retry budget spent without success.
type RetryExhaustedError struct {
	Op       string
	Attempts int
	LastErr  error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("%s: %d attempts exhausted: %v", e.Op, e.Attempts, e.LastErr)
}

func (e *RetryExhaustedError) Unwrap() error { return e.LastErr }

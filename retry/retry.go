// Package retry runs an operation again after a failure, waiting an exponentially
// growing delay between attempts. Retrying is always opt-in at the call site.
package retry

import (
	"context"
	"errors"
	"math"
	"time"
)

// Policy ...
type Policy struct {
	// MaxRetries is the number of additional attempts after the first one.
	// Zero means the operation runs exactly once.
	MaxRetries uint
	// InitialDelay is the wait before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps every wait. Zero means no cap.
	MaxDelay time.Duration
	// BackoffFactor multiplies the delay after every retry. Values below 1 are treated as 1.
	BackoffFactor float64
}

// DefaultPolicy returns the policy used by call sites that opt in without configuring one.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:    3,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2,
	}
}

// NoRetry runs the operation exactly once.
func NoRetry() Policy {
	return Policy{}
}

// Delay returns the wait before the retry following the given 0-based attempt.
func (p Policy) Delay(attempt uint) time.Duration {
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}

	d := float64(p.InitialDelay) * math.Pow(factor, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Operation is a single attempt. attempt is 0 for the first call.
type Operation[T any] func(ctx context.Context, attempt uint) (T, error)

// transient is implemented by errors that know whether repeating the failed call can help.
type transient interface {
	Transient() bool
}

// Do runs op until it succeeds, the policy is exhausted, or the failure is not worth
// repeating. The error of the last attempt is returned unchanged.
func Do[T any](ctx context.Context, p Policy, op Operation[T]) (T, error) {
	var zero T
	var lastErr error

	for attempt := uint(0); ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}

		result, err := op(ctx, attempt)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt >= p.MaxRetries || !IsRetryable(err) {
			return zero, lastErr
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		case <-timer.C:
		}
	}
}

// Run is Do for operations without a result value.
func Run(ctx context.Context, p Policy, op func(ctx context.Context, attempt uint) error) error {
	_, err := Do(ctx, p, func(ctx context.Context, attempt uint) (struct{}, error) {
		return struct{}{}, op(ctx, attempt)
	})
	return err
}

// IsRetryable reports whether err may go away on its own.
// Context cancellation never does; errors exposing Transient() decide for themselves;
// anything else is assumed to be worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var t transient
	if errors.As(err, &t) {
		return t.Transient()
	}
	return true
}

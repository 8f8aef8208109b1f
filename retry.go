package bridgekeeper

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// RetryPolicy controls the retry loop used by the resilience middleware and
// recovery steps: exponential backoff with jitter, capped per-delay, with
// the server's Retry-After as a floor when present.
type RetryPolicy struct {
	MaxAttempts int           // total attempts including the first (default 3)
	BaseDelay   time.Duration // delay before the second attempt (default 1s)
	Multiplier  float64       // backoff growth factor (default 2.0)
	MaxDelay    time.Duration // per-delay cap; 0 = uncapped
	Timeout     time.Duration // overall deadline across all attempts; 0 = none
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.Multiplier <= 1 {
		p.Multiplier = 2.0
	}
	return p
}

// Delay returns the backoff before retry i (0-indexed), jittered up to 50%
// and floored by the Retry-After carried on err, capped at MaxDelay.
func (p RetryPolicy) Delay(i int, err error) time.Duration {
	d := p.BaseDelay
	for k := 0; k < i; k++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if p.MaxDelay > 0 && d > p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	d += time.Duration(rand.Int63n(int64(d)/2 + 1))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if ra := retryAfterOf(err); ra > d {
		d = ra
	}
	return d
}

// IsTransient reports whether err is marked retryable.
func IsTransient(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable
}

// retryAfterOf extracts the server-suggested delay from a typed error, or 0.
func retryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// codeOf extracts the stable code from a typed error, or CodeUnknown.
func codeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// Retry calls fn up to policy.MaxAttempts times, sleeping between transient
// failures. Non-transient errors return immediately. attempts reports how
// many calls were made. Cancellation during a backoff wait returns ctx.Err().
func Retry[T any](ctx context.Context, policy RetryPolicy, name string, logger *slog.Logger, fn func(context.Context) (T, error)) (result T, attempts int, err error) {
	policy = policy.withDefaults()
	if logger == nil {
		logger = nopLogger
	}
	if policy.Timeout > 0 {
		deadline := time.Now().Add(policy.Timeout)
		if existing, ok := ctx.Deadline(); !ok || deadline.Before(existing) {
			var cancel context.CancelFunc
			ctx, cancel = context.WithDeadline(ctx, deadline)
			defer cancel()
		}
	}

	var zero T
	var last error
	for i := 0; i < policy.MaxAttempts; i++ {
		result, err = fn(ctx)
		attempts = i + 1
		if err == nil || !IsTransient(err) {
			return result, attempts, err
		}
		last = err
		logger.Warn("retrying transient error",
			"operation", name,
			"code", codeOf(err),
			"attempt", attempts,
			"max_attempts", policy.MaxAttempts)
		if i < policy.MaxAttempts-1 {
			timer := time.NewTimer(policy.Delay(i, err))
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, attempts, ctx.Err()
			case <-timer.C:
			}
		}
	}
	logger.Error("all retry attempts exhausted",
		"operation", name,
		"attempts", attempts,
		"error", last)
	return zero, attempts, last
}

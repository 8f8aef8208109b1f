package bridgekeeper

import (
	"context"
	"log/slog"
	"time"
)

// Middleware wraps outbound operations with a per-attempt timeout, retry
// with exponential backoff, and a circuit breaker keyed by operation name.
// Every outcome — success, failure, rejection, cancellation — is recorded
// into the hub so the classifier statistics stay complete.
type Middleware struct {
	breakers *BreakerSet
	hub      *Hub
	logger   *slog.Logger
	policy   RetryPolicy
	timeout  time.Duration // per-attempt deadline; 0 = caller's context only
}

// MiddlewareOption configures a Middleware.
type MiddlewareOption func(*Middleware)

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(p RetryPolicy) MiddlewareOption {
	return func(m *Middleware) { m.policy = p }
}

// WithAttemptTimeout bounds each individual attempt.
func WithAttemptTimeout(d time.Duration) MiddlewareOption {
	return func(m *Middleware) { m.timeout = d }
}

// WithLogger sets the structured logger for retry and circuit events.
func WithLogger(l *slog.Logger) MiddlewareOption {
	return func(m *Middleware) { m.logger = l }
}

// NewMiddleware builds the middleware around a shared breaker set and hub.
func NewMiddleware(breakers *BreakerSet, hub *Hub, opts ...MiddlewareOption) *Middleware {
	m := &Middleware{
		breakers: breakers,
		hub:      hub,
		policy:   RetryPolicy{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = nopLogger
	}
	if m.hub == nil {
		m.hub = NewHub(0, 0)
	}
	return m
}

// Breakers exposes the underlying breaker set for status reporting and the
// circuit_breaker recovery strategy.
func (m *Middleware) Breakers() *BreakerSet { return m.breakers }

// Do runs op under the full resilience stack. While the circuit for name is
// open it fails immediately with CIRCUIT_OPEN without invoking op.
func (m *Middleware) Do(ctx context.Context, name string, op func(context.Context) error) error {
	_, err := Execute(ctx, m, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Execute is the generic form of Do for operations that return a value.
func Execute[T any](ctx context.Context, m *Middleware, name string, op func(context.Context) (T, error)) (T, error) {
	var zero T
	b := m.breakers.Get(name)
	policy := m.policy.withDefaults()
	start := time.Now()
	defer m.hub.ObserveSince(name+".duration_ms", start)

	var last error
	for i := 0; i < policy.MaxAttempts; i++ {
		// Re-checked every attempt: the circuit can open mid-loop once the
		// failure threshold lands, and further attempts must shed load.
		if !b.Allow() {
			m.hub.Inc(MetricCircuitRejects)
			return zero, Errf(CodeCircuitOpen, "circuit %q is open", name).
				Severe(SeverityHigh).
				WithOperation("resilience", name)
		}
		result, err := attempt(ctx, m.timeout, op)
		if err == nil {
			b.Success()
			m.hub.Inc(name + ".success")
			return result, nil
		}
		last = err
		b.Failure()
		m.hub.Inc(name + ".failure")
		if ctx.Err() != nil {
			// Cancelled operations still record an outcome above; surface
			// the cancellation rather than retrying into a dead context.
			return zero, ctx.Err()
		}
		if !IsTransient(err) {
			return zero, err
		}
		if i == policy.MaxAttempts-1 {
			break
		}
		m.hub.Inc(MetricRetries)
		m.logger.Warn("retrying transient error",
			"operation", name,
			"code", codeOf(err),
			"attempt", i+1,
			"max_attempts", policy.MaxAttempts)
		timer := time.NewTimer(policy.Delay(i, err))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
	m.logger.Error("all retry attempts exhausted",
		"operation", name,
		"attempts", policy.MaxAttempts,
		"error", last)
	return zero, last
}

// attempt runs one call under the per-attempt timeout.
func attempt[T any](ctx context.Context, timeout time.Duration, op func(context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return op(ctx)
}

// Package resilience provides the retry, backoff, and circuit breaking
// used on the relay's upstream connection.
package resilience

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// RetryConfig bounds a retried operation. Zero MaxRetries means a single
// attempt.
type RetryConfig struct {
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	JitterDelay time.Duration
}

// Executor retries an operation under a RetryConfig, optionally behind a
// circuit breaker.
type Executor[R any] struct {
	run     failsafe.Executor[R]
	breaker *circuitBreaker
}

// NewExecutor builds an executor. breaker may be nil when the operation
// does not need one (token refresh already backs off per session).
func NewExecutor[R any](retry RetryConfig, breaker *BreakerConfig) *Executor[R] {
	builder := retrypolicy.NewBuilder[R]().
		WithMaxRetries(retry.MaxRetries).
		WithBackoff(retry.BaseDelay, retry.MaxDelay)
	if retry.JitterDelay > 0 {
		builder = builder.WithJitter(retry.JitterDelay)
	}
	e := &Executor[R]{run: failsafe.With(builder.Build())}
	if breaker != nil {
		e.breaker = newCircuitBreaker(*breaker)
	}
	return e
}

// Execute runs fn until it succeeds, retries are exhausted, or ctx ends.
func (e *Executor[R]) Execute(ctx context.Context, fn func() (R, error)) (R, error) {
	if e.breaker == nil {
		return e.run.WithContext(ctx).Get(fn)
	}
	out, err := e.breaker.execute(func() (any, error) {
		return e.run.WithContext(ctx).Get(fn)
	})
	if err != nil {
		var zero R
		return zero, err
	}
	return out.(R), nil
}

// Backoff returns a full-jitter exponential delay for the given attempt:
// a random duration up to min(max, base doubled attempt times).
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(d)))
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

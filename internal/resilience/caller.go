package resilience

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// CallerConfig bundles the full resilience policy for one external
// dependency: pacing, per-call timeout, retry, and breaker.
type CallerConfig struct {
	// Dependency names the downstream service for logs.
	Dependency string

	// RequestsPerMinute sets the shared token-bucket budget across all
	// workers using this caller. 0 disables pacing.
	RequestsPerMinute float64

	// Burst is the token-bucket burst size. Default: 1.
	Burst int

	// Timeout bounds each individual attempt, independent of the run's
	// overall budget. Default: 90s.
	Timeout time.Duration

	Retry   RetryConfig
	Breaker CircuitBreakerConfig
}

// Caller wraps calls to a single external dependency. Retry policy,
// timeout, pacing, and breaker state are defined once here instead of
// ad hoc loops at call sites; the limiter and breaker are shared by all
// workers of a stage.
type Caller struct {
	dependency string
	limiter    *rate.Limiter
	timeout    time.Duration
	retry      RetryConfig
	breaker    *CircuitBreaker
}

// NewCaller builds a Caller from config.
func NewCaller(cfg CallerConfig) *Caller {
	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerMinute/60.0), burst)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &Caller{
		dependency: cfg.Dependency,
		limiter:    limiter,
		timeout:    timeout,
		retry:      cfg.Retry,
		breaker:    NewCircuitBreaker(cfg.Breaker),
	}
}

// Breaker exposes the underlying circuit breaker for observability.
func (c *Caller) Breaker() *CircuitBreaker { return c.breaker }

// Dependency returns the downstream service name.
func (c *Caller) Dependency() string { return c.dependency }

// Invoke runs fn against the dependency: wait for a rate token, apply the
// per-attempt timeout, retry transient failures with backoff, and track
// the result in the shared circuit breaker. Breaker-open short-circuits
// return ErrCircuitOpen without touching the dependency; malformed
// responses neither retry nor trip the breaker.
func Invoke[T any](ctx context.Context, c *Caller, fn func(ctx context.Context) (T, error)) (T, error) {
	retryCfg := c.retry
	if retryCfg.OnRetry == nil {
		retryCfg.OnRetry = RetryLogger(c.dependency, "call")
	}

	return DoVal(ctx, retryCfg, func(ctx context.Context) (T, error) {
		var zero T
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return zero, err
			}
		}
		return ExecuteVal(ctx, c.breaker, func(ctx context.Context) (T, error) {
			attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			return fn(attemptCtx)
		})
	})
}

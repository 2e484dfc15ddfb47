package netguard

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/smart-autoscaler/operator/internal/clock"
)

// Guard composes a rate limiter, a circuit breaker, and bounded exponential
// backoff around a single outbound endpoint (spec.md §5: "every outbound
// network call... is governed by (a) a per-endpoint rate limiter, (b) a
// per-endpoint circuit breaker..., (c) a per-call timeout"). The backoff
// retry uses github.com/cenkalti/backoff/v4, already a teacher dependency.
type Guard struct {
	Name    string
	Limiter Limiter
	Breaker *Breaker
	Timeout time.Duration
	MaxRetries uint64
}

// New builds a Guard for one endpoint.
func New(name string, ratePerSecond float64, failureThreshold int, openDuration, timeout time.Duration, c clock.Clock) *Guard {
	return &Guard{
		Name:       name,
		Limiter:    NewLimiter(ratePerSecond),
		Breaker:    NewBreaker(name, failureThreshold, openDuration, c),
		Timeout:    timeout,
		MaxRetries: 2,
	}
}

// Do waits for a rate-limiter slot, then calls fn through the circuit
// breaker with bounded exponential backoff retries, each attempt bounded by
// Timeout. It returns ErrBreakerOpen immediately (no retries) once the
// breaker has opened, so the caller can degrade to cached/last-good values
// per spec.md §7.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := g.Limiter.Wait(ctx); err != nil {
		return err
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), g.MaxRetries)
	bo = backoff.WithContext(bo, ctx)

	return backoff.Retry(func() error {
		callCtx, cancel := context.WithTimeout(ctx, g.Timeout)
		defer cancel()

		err := g.Breaker.Call(callCtx, fn)
		if err == ErrBreakerOpen {
			// Not retryable: surfacing immediately lets the caller degrade
			// to last-good cached values rather than spend its retry
			// budget hammering an open breaker.
			return backoff.Permanent(err)
		}
		return err
	}, bo)
}

// Package netguard wraps every outbound network call (Prometheus,
// Kubernetes, notification webhooks) with the per-endpoint rate limiter and
// circuit breaker spec.md §5 requires. golang.org/x/time/rate is used for
// the limiter, following the pattern several pack repos (kube-zen-zen-watcher,
// pmady-kubeai-autoscaler, Sagart-cactus-optipod) depend on it for.
package netguard

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter wraps golang.org/x/time/rate.Limiter behind the narrow interface
// this package's Guard needs, so tests can substitute an unlimited stub.
type Limiter interface {
	Wait(ctx context.Context) error
}

// NewLimiter returns a token-bucket limiter allowing ratePerSecond requests
// per second with a burst equal to the rate truncated to an integer (at
// least 1).
func NewLimiter(ratePerSecond float64) Limiter {
	burst := int(ratePerSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(ratePerSecond), burst)
}

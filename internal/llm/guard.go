package llm

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Martian-dev/jobmail-sync/internal/metrics"
)

// Guarded paces calls to an inner client and fails fast while the
// endpoint keeps erroring.
type Guarded struct {
	next     Client
	provider string
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
}

// NewGuarded wraps next. Pacing and the breaker are enabled by cfg.
func NewGuarded(next Client, provider string, cfg Config, log *zap.Logger) *Guarded {
	if log == nil {
		log = zap.NewNop()
	}
	g := &Guarded{next: next, provider: provider}

	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	if cfg.BreakerFailures > 0 {
		cooldown := cfg.BreakerCooldown
		if cooldown <= 0 {
			cooldown = 30 * time.Second
		}
		failures := cfg.BreakerFailures
		g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "inference-" + provider,
			MaxRequests: 1,
			Timeout:     cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			// Caller cancellation says nothing about endpoint health.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("inference circuit breaker state changed",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
	}
	return g
}

// Run implements Client.
func (g *Guarded) Run(ctx context.Context, req Request) (string, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	var (
		out string
		err error
	)
	if g.breaker != nil {
		var v interface{}
		v, err = g.breaker.Execute(func() (interface{}, error) {
			return g.next.Run(ctx, req)
		})
		if err == nil {
			out, _ = v.(string)
		}
	} else {
		out, err = g.next.Run(ctx, req)
	}

	status := "ok"
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		status = "breaker_open"
	case err != nil:
		status = "error"
	}
	metrics.InferenceRequest(g.provider, status)
	return out, err
}

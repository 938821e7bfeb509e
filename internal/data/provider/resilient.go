package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"github.com/sawpanic/alphaforge/internal/domain"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ResilienceConfig tunes rate limiting, retries and the circuit breaker
type ResilienceConfig struct {
	RequestsPerSecond   float64       `yaml:"requests_per_second"`
	Burst               int           `yaml:"burst"`
	MaxRetries          uint64        `yaml:"max_retries"`
	InitialBackoff      time.Duration `yaml:"initial_backoff"`
	MaxBackoff          time.Duration `yaml:"max_backoff"`
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
	OpenTimeout         time.Duration `yaml:"open_timeout"`
}

// DefaultResilienceConfig returns conservative defaults
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		RequestsPerSecond:   20,
		Burst:               5,
		MaxRetries:          3,
		InitialBackoff:      200 * time.Millisecond,
		MaxBackoff:          5 * time.Second,
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
	}
}

// CallObserver receives the outcome of every provider call
type CallObserver interface {
	ObserveProviderCall(operation, outcome string, elapsed time.Duration)
}

// Resilient guards a provider with a rate limiter, retries with exponential
// backoff and a circuit breaker
type Resilient struct {
	next     Provider
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
	config   ResilienceConfig
	observer CallObserver
}

// NewResilient wraps next; observer may be nil
func NewResilient(name string, next Provider, config ResilienceConfig, observer CallObserver) *Resilient {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("Provider circuit breaker state changed")
		},
		IsSuccessful: func(err error) bool {
			// lookups that legitimately find nothing should not trip the breaker
			return err == nil || errors.Is(err, ErrUnknownUniverse) || errors.Is(err, context.Canceled)
		},
	}
	limit := rate.Inf
	if config.RequestsPerSecond > 0 {
		limit = rate.Limit(config.RequestsPerSecond)
	}
	burst := config.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Resilient{
		next:     next,
		limiter:  rate.NewLimiter(limit, burst),
		breaker:  gobreaker.NewCircuitBreaker(settings),
		config:   config,
		observer: observer,
	}
}

// State exposes the breaker state for health reporting
func (r *Resilient) State() string {
	return r.breaker.State().String()
}

func call[T any](ctx context.Context, r *Resilient, operation string, fn func(context.Context) (T, error)) (T, error) {
	var result T
	start := time.Now()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.config.InitialBackoff
	policy.MaxInterval = r.config.MaxBackoff
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, r.config.MaxRetries), ctx)

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		if err := r.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		v, err := r.breaker.Execute(func() (interface{}, error) {
			return fn(ctx)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) ||
				errors.Is(err, ErrUnknownUniverse) || errors.Is(err, domain.ErrNoMarketData) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			log.Debug().Err(err).Str("operation", operation).Int("attempt", attempts).Msg("Provider call failed, retrying")
			return err
		}
		result = v.(T)
		return nil
	}, retry)

	outcome := "success"
	if err != nil {
		outcome = "error"
		if errors.Is(err, gobreaker.ErrOpenState) {
			outcome = "circuit_open"
		}
	}
	if r.observer != nil {
		r.observer.ObserveProviderCall(operation, outcome, time.Since(start))
	}
	if err != nil {
		return result, fmt.Errorf("%s failed after %d attempt(s): %w", operation, attempts, err)
	}
	return result, nil
}

func (r *Resilient) UniverseMembers(ctx context.Context, universe string) ([]string, error) {
	return call(ctx, r, "universe_members", func(ctx context.Context) ([]string, error) {
		return r.next.UniverseMembers(ctx, universe)
	})
}

func (r *Resilient) Prices(ctx context.Context, symbols []string, from, to time.Time) (map[string][]domain.PricePoint, error) {
	return call(ctx, r, "prices", func(ctx context.Context) (map[string][]domain.PricePoint, error) {
		return r.next.Prices(ctx, symbols, from, to)
	})
}

func (r *Resilient) Sectors(ctx context.Context, symbols []string) (map[string]string, error) {
	return call(ctx, r, "sectors", func(ctx context.Context) (map[string]string, error) {
		return r.next.Sectors(ctx, symbols)
	})
}

func (r *Resilient) Factors(ctx context.Context, from, to time.Time) ([]domain.FactorObservation, error) {
	return call(ctx, r, "factors", func(ctx context.Context) ([]domain.FactorObservation, error) {
		return r.next.Factors(ctx, from, to)
	})
}

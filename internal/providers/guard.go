// Package providers protects upstream data providers with per-provider
// circuit breakers and call timeouts. A flapping provider trips its
// breaker, and fetches short-circuit to a transient failure until the
// cool-off passes, so the scheduler's backoff does the waiting instead
// of the provider's error page.
package providers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/driftline/driftline/internal/collect"
	"github.com/driftline/driftline/internal/metrics"
)

// Config tunes one breaker. The zero value picks the defaults.
type Config struct {
	// FailureThreshold is how many consecutive transient failures open
	// the breaker.
	FailureThreshold uint32 `yaml:"failure_threshold"`
	// OpenForMs is how long an open breaker rejects calls before
	// probing again.
	OpenForMs int64 `yaml:"open_for_ms"`
	// HalfOpenMaxCalls bounds concurrent probes while half-open.
	HalfOpenMaxCalls uint32 `yaml:"half_open_max_calls"`
	// CallTimeoutMs bounds a single provider call. Zero disables the
	// per-call timeout.
	CallTimeoutMs int64 `yaml:"call_timeout_ms"`
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.OpenForMs <= 0 {
		c.OpenForMs = 30_000
	}
	if c.HalfOpenMaxCalls == 0 {
		c.HalfOpenMaxCalls = 1
	}
	return c
}

// Guard owns the breakers. One Guard serves the whole process; every
// collector for the same provider shares that provider's breaker.
type Guard struct {
	defaults Config
	log      zerolog.Logger
	met      *metrics.Registry

	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
	configs  map[string]Config
}

func NewGuard(defaults Config, log zerolog.Logger) *Guard {
	return &Guard{
		defaults: defaults.withDefaults(),
		log:      log.With().Str("component", "providers").Logger(),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		configs:  make(map[string]Config),
	}
}

// WithMetrics publishes breaker states to the given registry.
func (g *Guard) WithMetrics(met *metrics.Registry) *Guard {
	g.met = met
	return g
}

// Configure overrides the defaults for one provider. Must be called
// before the provider's first Wrap.
func (g *Guard) Configure(provider string, cfg Config) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.breakers[provider]; ok {
		return fmt.Errorf("providers: %s already wrapped, configure before first use", provider)
	}
	g.configs[provider] = cfg.withDefaults()
	return nil
}

func (g *Guard) breaker(provider string) (*gobreaker.CircuitBreaker, Config) {
	g.mu.RLock()
	cb, ok := g.breakers[provider]
	cfg, hasCfg := g.configs[provider]
	g.mu.RUnlock()
	if !hasCfg {
		cfg = g.defaults
	}
	if ok {
		return cb, cfg
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if cb, ok := g.breakers[provider]; ok {
		return cb, cfg
	}
	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        provider,
		MaxRequests: cfg.HalfOpenMaxCalls,
		Timeout:     time.Duration(cfg.OpenForMs) * time.Millisecond,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.log.Warn().
				Str("provider", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
			if g.met != nil {
				g.met.SetBreakerState(name, to.String())
			}
		},
	})
	g.breakers[provider] = cb
	if g.met != nil {
		g.met.SetBreakerState(provider, cb.State().String())
	}
	return cb, cfg
}

// Wrap returns a fetch that runs inside the provider's breaker with a
// per-call timeout. An open breaker yields a transient failure without
// touching the provider; a fatal result passes through without
// counting against the breaker, since it signals bad input rather than
// provider ill health.
func (g *Guard) Wrap(provider string, fetch collect.FetchFunc) collect.FetchFunc {
	cb, cfg := g.breaker(provider)
	return func(ctx context.Context, w collect.Window) collect.FetchResult {
		out, err := cb.Execute(func() (interface{}, error) {
			callCtx := ctx
			if cfg.CallTimeoutMs > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, time.Duration(cfg.CallTimeoutMs)*time.Millisecond)
				defer cancel()
			}
			res := fetch(callCtx, w)
			if res.Kind() == collect.ResultTransient {
				return res, res.Err()
			}
			return res, nil
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return collect.TransientFailure(fmt.Errorf("provider %s: %w", provider, err))
			}
			if res, ok := out.(collect.FetchResult); ok {
				return res
			}
			return collect.TransientFailure(err)
		}
		return out.(collect.FetchResult)
	}
}

// States reports every breaker's state for the health surface.
func (g *Guard) States() map[string]string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]string, len(g.breakers))
	for id, cb := range g.breakers {
		out[id] = cb.State().String()
	}
	return out
}

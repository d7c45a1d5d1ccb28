// Package ratelimit enforces per-provider request budgets as token
// buckets. Budgets are shared by every task that fetches from the same
// provider, so a saturated tier slows itself down instead of burning
// the provider's quota for everyone else.
package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/driftline/driftline/internal/clock"
)

// Config sizes one provider budget.
type Config struct {
	// Capacity is the bucket size: the largest burst the provider
	// tolerates.
	Capacity int `yaml:"capacity" json:"capacity"`
	// RefillPerSec is the sustained request rate.
	RefillPerSec float64 `yaml:"refill_per_sec" json:"refill_per_sec"`
}

func (c Config) validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("ratelimit: capacity must be positive, got %d", c.Capacity)
	}
	if c.RefillPerSec <= 0 {
		return fmt.Errorf("ratelimit: refill_per_sec must be positive, got %g", c.RefillPerSec)
	}
	return nil
}

// ExhaustedError reports a request for more tokens than the bucket can
// ever hold. Waiting will not help.
type ExhaustedError struct {
	Provider  string
	Requested int
	Capacity  int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("ratelimit: provider %s: requested %d tokens exceeds capacity %d",
		e.Provider, e.Requested, e.Capacity)
}

// DeferredError reports that the budget could not grant the tokens
// before the caller's deadline. The tokens were not consumed; callers
// retry on their next cycle.
type DeferredError struct {
	Provider   string
	DeadlineMs int64
	ReadyMs    int64
}

func (e *DeferredError) Error() string {
	return fmt.Sprintf("ratelimit: provider %s: tokens ready at %d, past deadline %d",
		e.Provider, e.ReadyMs, e.DeadlineMs)
}

// Budget is a token bucket for one provider. All time arithmetic runs
// off the injected clock, so refill is deterministic under a fake
// clock in tests.
type Budget struct {
	provider string
	clk      clock.Clock
	cfg      Config
	lim      *rate.Limiter
}

func NewBudget(provider string, cfg Config, clk clock.Clock) (*Budget, error) {
	if provider == "" {
		return nil, fmt.Errorf("ratelimit: provider id is empty")
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("provider %s: %w", provider, err)
	}
	return &Budget{
		provider: provider,
		clk:      clk,
		cfg:      cfg,
		lim:      rate.NewLimiter(rate.Limit(cfg.RefillPerSec), cfg.Capacity),
	}, nil
}

func (b *Budget) Provider() string { return b.provider }

// Tokens reports how many tokens are available right now.
func (b *Budget) Tokens() float64 { return b.lim.TokensAt(b.clk.Now()) }

// TryAcquire takes n tokens if they are available, without blocking.
func (b *Budget) TryAcquire(n int) bool {
	return b.lim.AllowN(b.clk.Now(), n)
}

// Acquire blocks until n tokens are available, the context is
// cancelled, or the grant would land past deadlineMs. A zero deadline
// means wait indefinitely. On deferral or cancellation the reservation
// is returned to the bucket.
func (b *Budget) Acquire(ctx context.Context, n int, deadlineMs int64) error {
	now := b.clk.Now()
	res := b.lim.ReserveN(now, n)
	if !res.OK() {
		return &ExhaustedError{Provider: b.provider, Requested: n, Capacity: b.cfg.Capacity}
	}
	delay := res.DelayFrom(now)
	if delay <= 0 {
		return nil
	}
	readyMs := now.UnixMilli() + delay.Milliseconds()
	if deadlineMs > 0 && readyMs > deadlineMs {
		res.CancelAt(now)
		return &DeferredError{Provider: b.provider, DeadlineMs: deadlineMs, ReadyMs: readyMs}
	}
	if err := b.clk.Sleep(ctx, delay); err != nil {
		res.CancelAt(b.clk.Now())
		return err
	}
	return nil
}

// Stats is a point-in-time view of one budget, surfaced by the health
// endpoint.
type Stats struct {
	Capacity     int     `json:"capacity"`
	RefillPerSec float64 `json:"refill_per_sec"`
	Tokens       float64 `json:"tokens"`
}

// Manager holds the budgets for all configured providers. Providers
// without a budget are unlimited; collection must keep working when an
// operator has not sized a quota yet.
type Manager struct {
	clk clock.Clock

	mu      sync.RWMutex
	budgets map[string]*Budget
}

func NewManager(clk clock.Clock) *Manager {
	return &Manager{clk: clk, budgets: make(map[string]*Budget)}
}

// Configure installs the budget for a provider. Configuring the same
// provider twice is a wiring bug and fails loudly.
func (m *Manager) Configure(provider string, cfg Config) error {
	b, err := NewBudget(provider, cfg, m.clk)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.budgets[provider]; ok {
		return fmt.Errorf("ratelimit: provider %s configured twice", provider)
	}
	m.budgets[provider] = b
	return nil
}

func (m *Manager) Get(provider string) (*Budget, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.budgets[provider]
	return b, ok
}

// TryAcquire takes n tokens from the provider's budget without
// blocking. Unbudgeted providers always succeed.
func (m *Manager) TryAcquire(provider string, n int) bool {
	b, ok := m.Get(provider)
	if !ok {
		return true
	}
	return b.TryAcquire(n)
}

// Acquire blocks on the provider's budget. Unbudgeted providers return
// immediately.
func (m *Manager) Acquire(ctx context.Context, provider string, n int, deadlineMs int64) error {
	b, ok := m.Get(provider)
	if !ok {
		return nil
	}
	return b.Acquire(ctx, n, deadlineMs)
}

// Stats snapshots every configured budget.
func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Stats, len(m.budgets))
	for id, b := range m.budgets {
		out[id] = Stats{
			Capacity:     b.cfg.Capacity,
			RefillPerSec: b.cfg.RefillPerSec,
			Tokens:       b.Tokens(),
		}
	}
	return out
}

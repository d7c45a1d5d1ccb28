// Package strategy defines the strategy contract, the reference
// strategies shipped with the pipeline, and the runner that executes
// them against store windows each signal cycle.
//
// Strategies are pure: same snapshot in, same signals out, no side
// effects and no memory between cycles. That keeps cycles reproducible
// and lets a crashed strategy rejoin on the next cycle with no repair.
package strategy

import (
	"errors"
	"fmt"

	"github.com/driftline/driftline/internal/market"
	"github.com/driftline/driftline/internal/signal"
)

// Window declares how much history a strategy needs per cycle.
type Window struct {
	// LookbackMs is how far back the snapshot reaches.
	LookbackMs int64
	// MinObservations is the least data per required series before the
	// strategy runs at all.
	MinObservations int
}

// Analysis is the strategy-specific intermediate carried from Analyze
// to Signals.
type Analysis any

// Strategy is the contract every trading strategy implements. Analyze
// derives indicators from the snapshot; Signals turns the analysis
// into zero or more signals. Both must be side-effect free.
type Strategy interface {
	ID() string
	RequiredSeries() []string
	Window() Window
	Analyze(snap market.Snapshot) (Analysis, error)
	Signals(analysis Analysis) ([]signal.Signal, error)
}

// ErrDuplicateStrategy rejects a second registration under an id.
var ErrDuplicateStrategy = errors.New("strategy: duplicate id")

// Registry is the explicit set of constructed strategies. Iteration
// follows registration order so cycles are deterministic.
type Registry struct {
	ordered []Strategy
	byID    map[string]Strategy
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]Strategy)}
}

func (r *Registry) Register(s Strategy) error {
	id := s.ID()
	if id == "" {
		return errors.New("strategy: empty id")
	}
	if _, ok := r.byID[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateStrategy, id)
	}
	r.byID[id] = s
	r.ordered = append(r.ordered, s)
	return nil
}

func (r *Registry) Get(id string) (Strategy, bool) {
	s, ok := r.byID[id]
	return s, ok
}

// All returns the strategies in registration order.
func (r *Registry) All() []Strategy {
	out := make([]Strategy, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Resolve maps enabled ids to strategies, failing on the first id that
// was never registered. Order follows the ids argument.
func (r *Registry) Resolve(ids []string) ([]Strategy, error) {
	out := make([]Strategy, 0, len(ids))
	for _, id := range ids {
		s, ok := r.byID[id]
		if !ok {
			return nil, fmt.Errorf("strategy: enabled id %s is not registered", id)
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *Registry) Len() int { return len(r.ordered) }

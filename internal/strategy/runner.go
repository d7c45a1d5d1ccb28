package strategy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/driftline/driftline/internal/market"
	"github.com/driftline/driftline/internal/signal"
)

// RangeSource is the slice of the observation store the runner needs.
type RangeSource interface {
	Range(ctx context.Context, seriesID string, loMs, hiMs int64) ([]market.Observation, error)
}

// Failure reports one strategy that produced nothing this cycle. The
// strategy stays enabled; being stateless it simply runs again next
// cycle.
type Failure struct {
	StrategyID string
	Err        error
}

// RunnerConfig bounds a cycle.
type RunnerConfig struct {
	// MaxConcurrent caps strategies running at once.
	MaxConcurrent int
	// MaxPosition is the ceiling applied when validating emitted
	// signals.
	MaxPosition float64
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.MaxPosition == 0 {
		c.MaxPosition = 10000
	}
	return c
}

// Runner executes the enabled strategies against store windows and
// assembles the cycle batch. Strategies run in a bounded pool; a panic
// or invalid output in one never reaches the others.
type Runner struct {
	src        RangeSource
	strategies []Strategy
	cfg        RunnerConfig
	log        zerolog.Logger
}

func NewRunner(src RangeSource, reg *Registry, enabled []string, cfg RunnerConfig, log zerolog.Logger) (*Runner, error) {
	if src == nil {
		return nil, fmt.Errorf("strategy: runner needs a range source")
	}
	resolved, err := reg.Resolve(enabled)
	if err != nil {
		return nil, err
	}
	return &Runner{
		src:        src,
		strategies: resolved,
		cfg:        cfg.withDefaults(),
		log:        log.With().Str("component", "strategy_runner").Logger(),
	}, nil
}

// Strategies returns the enabled strategy ids in execution order.
func (r *Runner) Strategies() []string {
	out := make([]string, len(r.strategies))
	for i, s := range r.strategies {
		out[i] = s.ID()
	}
	return out
}

type cycleOutcome struct {
	signals []signal.Signal
	err     error
}

// Cycle runs every enabled strategy once against windows ending at
// nowMs. The returned batch lists signals in strategy execution order;
// failures come back separately and never abort the cycle.
func (r *Runner) Cycle(ctx context.Context, nowMs int64) (signal.Batch, []Failure) {
	batch := signal.Batch{CycleID: uuid.NewString(), AtMs: nowMs}

	series := r.seriesWindows()
	loaded := make(map[string][]market.Observation, len(series))
	loadErrs := make(map[string]error)
	for id, lookback := range series {
		obs, err := r.src.Range(ctx, id, nowMs-lookback, nowMs)
		if err != nil {
			loadErrs[id] = err
			continue
		}
		loaded[id] = obs
	}

	outcomes := make([]cycleOutcome, len(r.strategies))
	sem := make(chan struct{}, r.cfg.MaxConcurrent)
	var wg sync.WaitGroup
	for i, st := range r.strategies {
		wg.Add(1)
		go func(i int, st Strategy) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			defer func() {
				if p := recover(); p != nil {
					outcomes[i] = cycleOutcome{err: fmt.Errorf("panic: %v", p)}
				}
			}()
			outcomes[i] = r.runOne(st, nowMs, loaded, loadErrs)
		}(i, st)
	}
	wg.Wait()

	var failures []Failure
	for i, st := range r.strategies {
		out := outcomes[i]
		if out.err != nil {
			r.log.Error().
				Str("strategy", st.ID()).
				Err(out.err).
				Msg("strategy failed, excluded from cycle")
			failures = append(failures, Failure{StrategyID: st.ID(), Err: out.err})
			continue
		}
		batch.Signals = append(batch.Signals, out.signals...)
	}
	r.log.Debug().
		Str("cycle_id", batch.CycleID).
		Int("signals", len(batch.Signals)).
		Int("failures", len(failures)).
		Msg("cycle complete")
	return batch, failures
}

// seriesWindows unions the required series across strategies, keeping
// the longest lookback per series.
func (r *Runner) seriesWindows() map[string]int64 {
	out := make(map[string]int64)
	for _, st := range r.strategies {
		w := st.Window()
		for _, id := range st.RequiredSeries() {
			if w.LookbackMs > out[id] {
				out[id] = w.LookbackMs
			}
		}
	}
	return out
}

func (r *Runner) runOne(st Strategy, nowMs int64, loaded map[string][]market.Observation, loadErrs map[string]error) cycleOutcome {
	w := st.Window()
	snap := make(market.Snapshot, len(st.RequiredSeries()))
	for _, id := range st.RequiredSeries() {
		if err, bad := loadErrs[id]; bad {
			return cycleOutcome{err: fmt.Errorf("load %s: %w", id, err)}
		}
		slice := windowSlice(loaded[id], nowMs-w.LookbackMs)
		if len(slice) < w.MinObservations {
			r.log.Debug().
				Str("strategy", st.ID()).
				Str("series", id).
				Int("have", len(slice)).
				Int("need", w.MinObservations).
				Msg("insufficient data, skipping cycle")
			return cycleOutcome{}
		}
		snap[id] = slice
	}

	analysis, err := st.Analyze(snap)
	if err != nil {
		return cycleOutcome{err: fmt.Errorf("analyze: %w", err)}
	}
	sigs, err := st.Signals(analysis)
	if err != nil {
		return cycleOutcome{err: fmt.Errorf("signals: %w", err)}
	}
	for i := range sigs {
		if sigs[i].StrategyID == "" {
			sigs[i].StrategyID = st.ID()
		}
		if sigs[i].Timestamp == 0 {
			sigs[i].Timestamp = nowMs
		}
		if err := sigs[i].Validate(r.cfg.MaxPosition); err != nil {
			return cycleOutcome{err: fmt.Errorf("invalid signal: %w", err)}
		}
	}
	return cycleOutcome{signals: sigs}
}

// windowSlice trims a sorted series to observations at or after loMs.
func windowSlice(obs []market.Observation, loMs int64) []market.Observation {
	i := sort.Search(len(obs), func(i int) bool { return obs[i].Timestamp >= loMs })
	return obs[i:]
}

package strategy

import (
	"fmt"

	"github.com/driftline/driftline/internal/market"
	"github.com/driftline/driftline/internal/signal"
)

// MomentumConfig tunes the lookback-return strategy. Zero fields pick
// the defaults.
type MomentumConfig struct {
	Asset  string
	Series string
	// LookbackBars is the return horizon.
	LookbackBars int
	// RSIPeriod feeds the exhaustion gate.
	RSIPeriod int
	// EntryReturn is the minimum |return| that counts as momentum.
	EntryReturn float64
	// RSILongCeiling blocks longs into overbought tape; RSIShortFloor
	// blocks shorts into oversold tape.
	RSILongCeiling float64
	RSIShortFloor  float64
	// FullReturn is the |return| that maps to confidence 1.
	FullReturn float64
	// StopPct and TakePct place the risk legs relative to price.
	StopPct float64
	TakePct float64
	// BasePosition scales the suggested exposure by confidence.
	BasePosition float64
	MaxPosition  float64
	// BarMs is the bar cadence of the series, used to size the
	// snapshot window.
	BarMs int64
}

func (c MomentumConfig) withDefaults() MomentumConfig {
	if c.LookbackBars == 0 {
		c.LookbackBars = 12
	}
	if c.RSIPeriod == 0 {
		c.RSIPeriod = 14
	}
	if c.EntryReturn == 0 {
		c.EntryReturn = 0.02
	}
	if c.RSILongCeiling == 0 {
		c.RSILongCeiling = 70
	}
	if c.RSIShortFloor == 0 {
		c.RSIShortFloor = 30
	}
	if c.FullReturn == 0 {
		c.FullReturn = 0.10
	}
	if c.StopPct == 0 {
		c.StopPct = 0.03
	}
	if c.TakePct == 0 {
		c.TakePct = 0.06
	}
	if c.BasePosition == 0 {
		c.BasePosition = 1000
	}
	if c.MaxPosition == 0 {
		c.MaxPosition = 10000
	}
	if c.BarMs == 0 {
		c.BarMs = 900_000
	}
	return c
}

func (c MomentumConfig) validate(id string) error {
	switch {
	case c.Asset == "":
		return fmt.Errorf("%w: %s: asset", ErrMissingParam, id)
	case c.Series == "":
		return fmt.Errorf("%w: %s: series", ErrMissingParam, id)
	case c.LookbackBars < 1:
		return fmt.Errorf("%w: %s: lookback_bars %d", ErrInvalidParam, id, c.LookbackBars)
	case c.RSIPeriod < 2:
		return fmt.Errorf("%w: %s: rsi_period %d", ErrInvalidParam, id, c.RSIPeriod)
	case c.EntryReturn <= 0 || c.FullReturn <= c.EntryReturn:
		return fmt.Errorf("%w: %s: entry_return %g / full_return %g", ErrInvalidParam, id, c.EntryReturn, c.FullReturn)
	case c.StopPct <= 0 || c.StopPct >= 1 || c.TakePct <= 0:
		return fmt.Errorf("%w: %s: stop_pct %g / take_pct %g", ErrInvalidParam, id, c.StopPct, c.TakePct)
	}
	return nil
}

// Momentum trades continuation: a move beyond EntryReturn over the
// lookback horizon, as long as RSI says the move is not already
// exhausted.
type Momentum struct {
	id  string
	cfg MomentumConfig
}

func NewMomentum(id string, cfg MomentumConfig) (*Momentum, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(id); err != nil {
		return nil, err
	}
	return &Momentum{id: id, cfg: cfg}, nil
}

func (m *Momentum) ID() string { return m.id }

func (m *Momentum) RequiredSeries() []string { return []string{m.cfg.Series} }

func (m *Momentum) Window() Window {
	bars := m.cfg.LookbackBars
	if m.cfg.RSIPeriod > bars {
		bars = m.cfg.RSIPeriod
	}
	return Window{
		LookbackMs:      int64(bars+2) * m.cfg.BarMs,
		MinObservations: bars + 1,
	}
}

type momentumAnalysis struct {
	ready     bool
	lastPrice float64
	lastTs    int64
	ret       float64
	rsi       float64
}

func (m *Momentum) Analyze(snap market.Snapshot) (Analysis, error) {
	obs := snap.Series(m.cfg.Series)
	closes := snap.Prices(m.cfg.Series)
	need := m.cfg.LookbackBars + 1
	if m.cfg.RSIPeriod+1 > need {
		need = m.cfg.RSIPeriod + 1
	}
	if len(closes) < need {
		return momentumAnalysis{}, nil
	}
	return momentumAnalysis{
		ready:     true,
		lastPrice: closes[len(closes)-1],
		lastTs:    obs[len(obs)-1].Timestamp,
		ret:       lookbackReturn(closes, m.cfg.LookbackBars),
		rsi:       rsi(closes, m.cfg.RSIPeriod),
	}, nil
}

func (m *Momentum) Signals(analysis Analysis) ([]signal.Signal, error) {
	a, ok := analysis.(momentumAnalysis)
	if !ok {
		return nil, fmt.Errorf("strategy %s: unexpected analysis %T", m.id, analysis)
	}
	if !a.ready || a.lastPrice <= 0 {
		return nil, nil
	}

	dir := signal.Neutral
	switch {
	case a.ret >= m.cfg.EntryReturn && a.rsi <= m.cfg.RSILongCeiling:
		dir = signal.Long
	case a.ret <= -m.cfg.EntryReturn && a.rsi >= m.cfg.RSIShortFloor:
		dir = signal.Short
	}

	conf := clampUnit((abs(a.ret) - m.cfg.EntryReturn) / (m.cfg.FullReturn - m.cfg.EntryReturn))
	sig := signal.Signal{
		StrategyID: m.id,
		AssetID:    m.cfg.Asset,
		Direction:  dir,
		Strength:   signal.StrengthFromConfidence(conf, 0.33, 0.66),
		Timestamp:  a.lastTs,
		Price:      a.lastPrice,
		Context: map[string]any{
			"lookback_return": a.ret,
			"rsi":             a.rsi,
		},
	}
	if dir == signal.Neutral {
		sig.Confidence = 0
		sig.Strength = signal.Weak
		return []signal.Signal{sig}, nil
	}
	sig.Confidence = conf
	sig.PositionSize = clampPosition(m.cfg.BasePosition*conf, m.cfg.MaxPosition)
	if dir == signal.Long {
		sig.StopLoss = a.lastPrice * (1 - m.cfg.StopPct)
		sig.TakeProfit = a.lastPrice * (1 + m.cfg.TakePct)
	} else {
		sig.StopLoss = a.lastPrice * (1 + m.cfg.StopPct)
		sig.TakeProfit = a.lastPrice * (1 - m.cfg.TakePct)
	}
	return []signal.Signal{sig}, nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func clampPosition(v, max float64) float64 {
	if v < 0 {
		return 0
	}
	if max > 0 && v > max {
		return max
	}
	return v
}

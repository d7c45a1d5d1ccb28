package strategy

import (
	"fmt"

	"github.com/driftline/driftline/internal/market"
	"github.com/driftline/driftline/internal/signal"
)

// VolBreakoutConfig tunes the ATR breakout strategy. It needs candle
// series; true range has no meaning for scalar series.
type VolBreakoutConfig struct {
	Asset  string
	Series string
	// ATRPeriod sizes the volatility baseline.
	ATRPeriod int
	// EntryATR is the bar-over-bar move, in ATR multiples, that counts
	// as a breakout.
	EntryATR float64
	// FullATR is the multiple that maps to confidence 1.
	FullATR float64
	// StopATR and TakeATR place the risk legs in ATR multiples.
	StopATR      float64
	TakeATR      float64
	BasePosition float64
	MaxPosition  float64
	BarMs        int64
}

func (c VolBreakoutConfig) withDefaults() VolBreakoutConfig {
	if c.ATRPeriod == 0 {
		c.ATRPeriod = 14
	}
	if c.EntryATR == 0 {
		c.EntryATR = 1.5
	}
	if c.FullATR == 0 {
		c.FullATR = 4.0
	}
	if c.StopATR == 0 {
		c.StopATR = 1.0
	}
	if c.TakeATR == 0 {
		c.TakeATR = 2.0
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

func (c VolBreakoutConfig) validate(id string) error {
	switch {
	case c.Asset == "":
		return fmt.Errorf("%w: %s: asset", ErrMissingParam, id)
	case c.Series == "":
		return fmt.Errorf("%w: %s: series", ErrMissingParam, id)
	case c.ATRPeriod < 2:
		return fmt.Errorf("%w: %s: atr_period %d", ErrInvalidParam, id, c.ATRPeriod)
	case c.EntryATR <= 0 || c.FullATR <= c.EntryATR:
		return fmt.Errorf("%w: %s: entry_atr %g / full_atr %g", ErrInvalidParam, id, c.EntryATR, c.FullATR)
	case c.StopATR <= 0 || c.TakeATR <= 0:
		return fmt.Errorf("%w: %s: stop_atr %g / take_atr %g", ErrInvalidParam, id, c.StopATR, c.TakeATR)
	}
	return nil
}

// VolBreakout trades range expansion: a bar-over-bar move larger than
// EntryATR times the average true range breaks the recent regime and
// tends to continue.
type VolBreakout struct {
	id  string
	cfg VolBreakoutConfig
}

func NewVolBreakout(id string, cfg VolBreakoutConfig) (*VolBreakout, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(id); err != nil {
		return nil, err
	}
	return &VolBreakout{id: id, cfg: cfg}, nil
}

func (v *VolBreakout) ID() string { return v.id }

func (v *VolBreakout) RequiredSeries() []string { return []string{v.cfg.Series} }

func (v *VolBreakout) Window() Window {
	return Window{
		LookbackMs:      int64(v.cfg.ATRPeriod+3) * v.cfg.BarMs,
		MinObservations: v.cfg.ATRPeriod + 2,
	}
}

type volBreakoutAnalysis struct {
	ready     bool
	lastPrice float64
	lastTs    int64
	move      float64
	atr       float64
}

func (v *VolBreakout) Analyze(snap market.Snapshot) (Analysis, error) {
	obs := snap.Series(v.cfg.Series)
	if len(obs) < v.cfg.ATRPeriod+2 {
		return volBreakoutAnalysis{}, nil
	}
	last := obs[len(obs)-1].Payload.OHLCV
	prev := obs[len(obs)-2].Payload.OHLCV
	if last == nil || prev == nil {
		return nil, fmt.Errorf("strategy %s: series %s is not candles", v.id, v.cfg.Series)
	}
	// Baseline volatility excludes the breakout bar itself.
	baseline := atr(obs[:len(obs)-1], v.cfg.ATRPeriod)
	if baseline == 0 {
		return volBreakoutAnalysis{}, nil
	}
	return volBreakoutAnalysis{
		ready:     true,
		lastPrice: last.Close,
		lastTs:    obs[len(obs)-1].Timestamp,
		move:      last.Close - prev.Close,
		atr:       baseline,
	}, nil
}

func (v *VolBreakout) Signals(analysis Analysis) ([]signal.Signal, error) {
	a, ok := analysis.(volBreakoutAnalysis)
	if !ok {
		return nil, fmt.Errorf("strategy %s: unexpected analysis %T", v.id, analysis)
	}
	if !a.ready || a.lastPrice <= 0 {
		return nil, nil
	}

	entry := v.cfg.EntryATR * a.atr
	dir := signal.Neutral
	switch {
	case a.move > entry:
		dir = signal.Long
	case a.move < -entry:
		dir = signal.Short
	}

	conf := clampUnit((abs(a.move)/a.atr - v.cfg.EntryATR) / (v.cfg.FullATR - v.cfg.EntryATR))
	sig := signal.Signal{
		StrategyID: v.id,
		AssetID:    v.cfg.Asset,
		Direction:  dir,
		Strength:   signal.StrengthFromConfidence(conf, 0.33, 0.66),
		Timestamp:  a.lastTs,
		Price:      a.lastPrice,
		Context: map[string]any{
			"move_atr": a.move / a.atr,
			"atr":      a.atr,
		},
	}
	if dir == signal.Neutral {
		sig.Confidence = 0
		sig.Strength = signal.Weak
		return []signal.Signal{sig}, nil
	}
	sig.Confidence = conf
	sig.PositionSize = clampPosition(v.cfg.BasePosition*conf, v.cfg.MaxPosition)
	if dir == signal.Long {
		sig.StopLoss = maxf(a.lastPrice-v.cfg.StopATR*a.atr, 0)
		sig.TakeProfit = a.lastPrice + v.cfg.TakeATR*a.atr
	} else {
		sig.StopLoss = a.lastPrice + v.cfg.StopATR*a.atr
		sig.TakeProfit = maxf(a.lastPrice-v.cfg.TakeATR*a.atr, a.lastPrice*0.01)
	}
	return []signal.Signal{sig}, nil
}

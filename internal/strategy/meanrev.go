package strategy

import (
	"fmt"

	"github.com/driftline/driftline/internal/market"
	"github.com/driftline/driftline/internal/signal"
)

// MeanReversionConfig tunes the z-score reversion strategy.
type MeanReversionConfig struct {
	Asset  string
	Series string
	// WindowBars sizes the rolling mean and deviation.
	WindowBars int
	// EntryZ is the |z| beyond which price is considered stretched.
	EntryZ float64
	// FullZ is the |z| that maps to confidence 1.
	FullZ float64
	// StopPct and TakePct place the risk legs relative to price.
	StopPct      float64
	TakePct      float64
	BasePosition float64
	MaxPosition  float64
	BarMs        int64
}

func (c MeanReversionConfig) withDefaults() MeanReversionConfig {
	if c.WindowBars == 0 {
		c.WindowBars = 20
	}
	if c.EntryZ == 0 {
		c.EntryZ = 2.0
	}
	if c.FullZ == 0 {
		c.FullZ = 4.0
	}
	if c.StopPct == 0 {
		c.StopPct = 0.04
	}
	if c.TakePct == 0 {
		c.TakePct = 0.03
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

func (c MeanReversionConfig) validate(id string) error {
	switch {
	case c.Asset == "":
		return fmt.Errorf("%w: %s: asset", ErrMissingParam, id)
	case c.Series == "":
		return fmt.Errorf("%w: %s: series", ErrMissingParam, id)
	case c.WindowBars < 3:
		return fmt.Errorf("%w: %s: window_bars %d", ErrInvalidParam, id, c.WindowBars)
	case c.EntryZ <= 0 || c.FullZ <= c.EntryZ:
		return fmt.Errorf("%w: %s: entry_z %g / full_z %g", ErrInvalidParam, id, c.EntryZ, c.FullZ)
	case c.StopPct <= 0 || c.StopPct >= 1 || c.TakePct <= 0:
		return fmt.Errorf("%w: %s: stop_pct %g / take_pct %g", ErrInvalidParam, id, c.StopPct, c.TakePct)
	}
	return nil
}

// MeanReversion fades stretched prices: when the last close sits more
// than EntryZ deviations from its rolling mean, bet on the snap back.
type MeanReversion struct {
	id  string
	cfg MeanReversionConfig
}

func NewMeanReversion(id string, cfg MeanReversionConfig) (*MeanReversion, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(id); err != nil {
		return nil, err
	}
	return &MeanReversion{id: id, cfg: cfg}, nil
}

func (m *MeanReversion) ID() string { return m.id }

func (m *MeanReversion) RequiredSeries() []string { return []string{m.cfg.Series} }

func (m *MeanReversion) Window() Window {
	return Window{
		LookbackMs:      int64(m.cfg.WindowBars+2) * m.cfg.BarMs,
		MinObservations: m.cfg.WindowBars,
	}
}

type meanrevAnalysis struct {
	ready     bool
	lastPrice float64
	lastTs    int64
	z         float64
	mean      float64
}

func (m *MeanReversion) Analyze(snap market.Snapshot) (Analysis, error) {
	obs := snap.Series(m.cfg.Series)
	closes := snap.Prices(m.cfg.Series)
	if len(closes) < m.cfg.WindowBars {
		return meanrevAnalysis{}, nil
	}
	mean, std := meanStd(closes, m.cfg.WindowBars)
	if std == 0 {
		return meanrevAnalysis{}, nil
	}
	last := closes[len(closes)-1]
	return meanrevAnalysis{
		ready:     true,
		lastPrice: last,
		lastTs:    obs[len(obs)-1].Timestamp,
		z:         (last - mean) / std,
		mean:      mean,
	}, nil
}

func (m *MeanReversion) Signals(analysis Analysis) ([]signal.Signal, error) {
	a, ok := analysis.(meanrevAnalysis)
	if !ok {
		return nil, fmt.Errorf("strategy %s: unexpected analysis %T", m.id, analysis)
	}
	if !a.ready || a.lastPrice <= 0 {
		return nil, nil
	}

	// Stretched above the mean reverts down, below reverts up.
	dir := signal.Neutral
	switch {
	case a.z <= -m.cfg.EntryZ:
		dir = signal.Long
	case a.z >= m.cfg.EntryZ:
		dir = signal.Short
	}

	conf := clampUnit((abs(a.z) - m.cfg.EntryZ) / (m.cfg.FullZ - m.cfg.EntryZ))
	sig := signal.Signal{
		StrategyID: m.id,
		AssetID:    m.cfg.Asset,
		Direction:  dir,
		Strength:   signal.StrengthFromConfidence(conf, 0.33, 0.66),
		Timestamp:  a.lastTs,
		Price:      a.lastPrice,
		Context: map[string]any{
			"z_score":      a.z,
			"rolling_mean": a.mean,
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

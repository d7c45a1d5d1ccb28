package strategy

import (
	"errors"
	"fmt"
)

// Construction errors. Callers match with errors.Is.
var (
	ErrUnknownStrategyType = errors.New("strategy: unknown type")
	ErrMissingParam        = errors.New("strategy: missing required param")
	ErrInvalidParam        = errors.New("strategy: invalid param")
)

// Spec is one strategy definition from the strategies profile. Params
// carries the type-specific numeric knobs; omitted params take the
// type's defaults.
type Spec struct {
	ID     string             `yaml:"id" json:"id"`
	Type   string             `yaml:"type" json:"type"`
	Asset  string             `yaml:"asset" json:"asset"`
	Series string             `yaml:"series" json:"series"`
	Params map[string]float64 `yaml:"params" json:"params"`
}

type paramMap map[string]float64

func (p paramMap) f(name string) float64 { return p[name] }

func (p paramMap) i(name string) int { return int(p[name]) }

// FromSpec constructs a strategy from its profile definition.
func FromSpec(s Spec) (Strategy, error) {
	if s.ID == "" {
		return nil, fmt.Errorf("%w: id", ErrMissingParam)
	}
	p := paramMap(s.Params)
	switch s.Type {
	case "momentum":
		return NewMomentum(s.ID, MomentumConfig{
			Asset:          s.Asset,
			Series:         s.Series,
			LookbackBars:   p.i("lookback_bars"),
			RSIPeriod:      p.i("rsi_period"),
			EntryReturn:    p.f("entry_return"),
			RSILongCeiling: p.f("rsi_long_ceiling"),
			RSIShortFloor:  p.f("rsi_short_floor"),
			FullReturn:     p.f("full_return"),
			StopPct:        p.f("stop_pct"),
			TakePct:        p.f("take_pct"),
			BasePosition:   p.f("base_position"),
			MaxPosition:    p.f("max_position"),
			BarMs:          int64(p.f("bar_ms")),
		})
	case "mean_reversion":
		return NewMeanReversion(s.ID, MeanReversionConfig{
			Asset:        s.Asset,
			Series:       s.Series,
			WindowBars:   p.i("window_bars"),
			EntryZ:       p.f("entry_z"),
			FullZ:        p.f("full_z"),
			StopPct:      p.f("stop_pct"),
			TakePct:      p.f("take_pct"),
			BasePosition: p.f("base_position"),
			MaxPosition:  p.f("max_position"),
			BarMs:        int64(p.f("bar_ms")),
		})
	case "volatility_breakout":
		return NewVolBreakout(s.ID, VolBreakoutConfig{
			Asset:        s.Asset,
			Series:       s.Series,
			ATRPeriod:    p.i("atr_period"),
			EntryATR:     p.f("entry_atr"),
			FullATR:      p.f("full_atr"),
			StopATR:      p.f("stop_atr"),
			TakeATR:      p.f("take_atr"),
			BasePosition: p.f("base_position"),
			MaxPosition:  p.f("max_position"),
			BarMs:        int64(p.f("bar_ms")),
		})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategyType, s.Type)
	}
}

// BuildRegistry constructs and registers every spec, failing on the
// first bad definition.
func BuildRegistry(specs []Spec) (*Registry, error) {
	reg := NewRegistry()
	for _, s := range specs {
		built, err := FromSpec(s)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(built); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

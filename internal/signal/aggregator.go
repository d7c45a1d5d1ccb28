package signal

import (
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog"
)

// AggregationError reports a misconfigured aggregator. It is raised at
// startup, never mid-cycle.
type AggregationError struct {
	Reason string
}

func (e *AggregationError) Error() string { return "aggregation: " + e.Reason }

// AggregatorConfig tunes the per-asset consensus. Zero fields pick the
// documented defaults.
type AggregatorConfig struct {
	Method Method
	// Weights maps strategy id to its vote weight. Must cover exactly
	// the enabled strategies and sum to 1 within tolerance.
	Weights map[string]float64
	// NeutralThreshold is the |score| below which weighted consensus
	// is called NEUTRAL.
	NeutralThreshold float64
	// WeakBelow and ModerateBelow are the confidence breakpoints for
	// strength bucketing.
	WeakBelow     float64
	ModerateBelow float64
	// BasePosition and MaxPosition size the suggested exposure:
	// clamp(base * confidence * strength multiplier, 0, max).
	BasePosition float64
	MaxPosition  float64
	// StrengthMultipliers scale the base position per strength bucket.
	StrengthMultipliers map[Strength]float64
	// WeightSumTolerance is the allowed deviation of the weight sum
	// from 1.
	WeightSumTolerance float64
}

func (c AggregatorConfig) withDefaults() AggregatorConfig {
	if c.Method == "" {
		c.Method = WeightedAverage
	}
	if c.NeutralThreshold == 0 {
		c.NeutralThreshold = 0.1
	}
	if c.WeakBelow == 0 {
		c.WeakBelow = 0.33
	}
	if c.ModerateBelow == 0 {
		c.ModerateBelow = 0.66
	}
	if c.BasePosition == 0 {
		c.BasePosition = 1000
	}
	if c.MaxPosition == 0 {
		c.MaxPosition = 10000
	}
	if c.StrengthMultipliers == nil {
		c.StrengthMultipliers = map[Strength]float64{Weak: 0.5, Moderate: 1.0, Strong: 1.5}
	}
	if c.WeightSumTolerance == 0 {
		c.WeightSumTolerance = 0.01
	}
	return c
}

// Validate checks the configuration against the enabled strategy set.
// Weighted aggregation needs a weight for every enabled strategy and
// no weights for strategies that are not enabled.
func (c AggregatorConfig) Validate(enabled []string) error {
	c = c.withDefaults()
	if !c.Method.valid() {
		return &AggregationError{Reason: fmt.Sprintf("unknown method %q", c.Method)}
	}
	if c.WeakBelow <= 0 || c.ModerateBelow <= c.WeakBelow || c.ModerateBelow > 1 {
		return &AggregationError{Reason: fmt.Sprintf(
			"strength breakpoints %g/%g not ascending within (0,1]", c.WeakBelow, c.ModerateBelow)}
	}
	if c.NeutralThreshold < 0 || c.NeutralThreshold > 1 {
		return &AggregationError{Reason: fmt.Sprintf("neutral threshold %g outside [0,1]", c.NeutralThreshold)}
	}
	if c.BasePosition < 0 || c.MaxPosition <= 0 {
		return &AggregationError{Reason: "position sizing must be positive"}
	}
	if c.Method != WeightedAverage {
		return nil
	}
	sum := 0.0
	for _, id := range enabled {
		w, ok := c.Weights[id]
		if !ok {
			return &AggregationError{Reason: fmt.Sprintf("no weight for enabled strategy %s", id)}
		}
		if w <= 0 || w > 1 {
			return &AggregationError{Reason: fmt.Sprintf("weight %g for %s outside (0,1]", w, id)}
		}
		sum += w
	}
	for id := range c.Weights {
		found := false
		for _, e := range enabled {
			if e == id {
				found = true
				break
			}
		}
		if !found {
			return &AggregationError{Reason: fmt.Sprintf("weight for %s but strategy is not enabled", id)}
		}
	}
	if math.Abs(sum-1) > c.WeightSumTolerance {
		return &AggregationError{Reason: fmt.Sprintf("weights sum to %.4f, want 1±%.2g", sum, c.WeightSumTolerance)}
	}
	return nil
}

// Aggregator folds a cycle's signals into one consensus per asset. The
// fold is a pure function of the batch: same signals in any order give
// bitwise identical aggregates.
type Aggregator struct {
	cfg AggregatorConfig
	log zerolog.Logger
}

func NewAggregator(cfg AggregatorConfig, enabled []string, log zerolog.Logger) (*Aggregator, error) {
	if err := cfg.Validate(enabled); err != nil {
		return nil, err
	}
	return &Aggregator{
		cfg: cfg.withDefaults(),
		log: log.With().Str("component", "aggregator").Logger(),
	}, nil
}

// Aggregate produces one AggregatedSignal per asset present in the
// batch, sorted by asset id.
func (a *Aggregator) Aggregate(batch Batch) []AggregatedSignal {
	groups := make(map[string][]Signal)
	for _, s := range batch.Signals {
		groups[s.AssetID] = append(groups[s.AssetID], s)
	}
	assets := make([]string, 0, len(groups))
	for asset := range groups {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	out := make([]AggregatedSignal, 0, len(assets))
	for _, asset := range assets {
		group := groups[asset]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].StrategyID < group[j].StrategyID
		})

		var sig Signal
		ctx := map[string]any{}
		switch a.cfg.Method {
		case MajorityVote:
			sig = a.majorityVote(group)
		case MaxConfidence:
			sig = a.maxConfidence(group, ctx)
		default:
			sig = a.weightedAverage(group)
		}
		sig.AssetID = asset
		sig.Timestamp = batch.AtMs
		sig.StrategyID = ""
		if len(ctx) > 0 {
			sig.Context = ctx
		} else {
			sig.Context = nil
		}

		contributors := make([]string, len(group))
		for i, s := range group {
			contributors[i] = s.StrategyID
		}
		agg := AggregatedSignal{
			Signal:       sig,
			CycleID:      batch.CycleID,
			Method:       a.cfg.Method,
			Contributors: contributors,
		}
		a.log.Debug().
			Str("asset", asset).
			Str("direction", string(agg.Direction)).
			Float64("confidence", agg.Confidence).
			Int("contributors", len(contributors)).
			Msg("aggregated")
		out = append(out, agg)
	}
	return out
}

func (a *Aggregator) weightedAverage(group []Signal) Signal {
	totalW := 0.0
	for _, s := range group {
		totalW += a.cfg.Weights[s.StrategyID]
	}
	if totalW <= 0 {
		return a.neutral(group, 0)
	}
	score := 0.0
	for _, s := range group {
		score += a.cfg.Weights[s.StrategyID] / totalW * s.Confidence * s.Direction.Sign()
	}
	conf := math.Abs(score)
	if conf < a.cfg.NeutralThreshold {
		return a.neutral(group, conf)
	}
	dir := Long
	if score < 0 {
		dir = Short
	}
	return a.directional(group, dir, conf)
}

func (a *Aggregator) majorityVote(group []Signal) Signal {
	var longs, shorts int
	for _, s := range group {
		switch s.Direction {
		case Long:
			longs++
		case Short:
			shorts++
		}
	}
	if longs == shorts {
		return a.neutral(group, 0)
	}
	dir := Long
	if shorts > longs {
		dir = Short
	}
	sum, n := 0.0, 0
	for _, s := range group {
		if s.Direction == dir {
			sum += s.Confidence
			n++
		}
	}
	conf := sum / float64(n)
	if conf < a.cfg.NeutralThreshold {
		return a.neutral(group, conf)
	}
	return a.directional(group, dir, conf)
}

func (a *Aggregator) maxConfidence(group []Signal, ctx map[string]any) Signal {
	best := group[0]
	for _, s := range group[1:] {
		if s.Confidence > best.Confidence {
			best = s
		}
	}
	ctx["winner"] = best.StrategyID
	out := best
	out.Context = nil
	out.PositionSize = clamp(best.PositionSize, 0, a.cfg.MaxPosition)
	if out.Direction == Neutral {
		out.PositionSize = 0
		out.StopLoss = 0
		out.TakeProfit = 0
	}
	return out
}

// directional builds a non-neutral consensus: strength from the
// confidence breakpoints, position from the sizing formula, price from
// the position-weighted contributor prices, stops from the average
// contributor risk distances on the winning side.
func (a *Aggregator) directional(group []Signal, dir Direction, conf float64) Signal {
	strength := a.strengthFor(conf)
	position := clamp(a.cfg.BasePosition*conf*a.cfg.StrengthMultipliers[strength], 0, a.cfg.MaxPosition)
	price := groupPrice(group)

	var stopDist, takeDist float64
	var n int
	for _, s := range group {
		if s.Direction != dir || s.Price <= 0 {
			continue
		}
		stopDist += math.Abs(s.Price - s.StopLoss)
		takeDist += math.Abs(s.TakeProfit - s.Price)
		n++
	}
	if n == 0 || price <= 0 {
		return a.neutral(group, conf)
	}
	stopDist /= float64(n)
	takeDist /= float64(n)

	sig := Signal{
		Direction:    dir,
		Confidence:   conf,
		Strength:     strength,
		Price:        price,
		PositionSize: position,
	}
	if dir == Long {
		sig.StopLoss = math.Max(price-stopDist, 0)
		sig.TakeProfit = price + takeDist
	} else {
		sig.StopLoss = price + stopDist
		sig.TakeProfit = price - math.Min(takeDist, price*0.99)
	}
	return sig
}

func (a *Aggregator) neutral(group []Signal, conf float64) Signal {
	return Signal{
		Direction:  Neutral,
		Confidence: conf,
		Strength:   Weak,
		Price:      groupPrice(group),
	}
}

func (a *Aggregator) strengthFor(conf float64) Strength {
	return StrengthFromConfidence(conf, a.cfg.WeakBelow, a.cfg.ModerateBelow)
}

// groupPrice is the position-size-weighted mean of contributor prices,
// equal-weighted when every contributor is flat.
func groupPrice(group []Signal) float64 {
	var weighted, totalW float64
	var flat float64
	var flatN int
	for _, s := range group {
		if s.Price <= 0 {
			continue
		}
		weighted += s.Price * s.PositionSize
		totalW += s.PositionSize
		flat += s.Price
		flatN++
	}
	if totalW > 0 {
		return weighted / totalW
	}
	if flatN > 0 {
		return flat / float64(flatN)
	}
	return 0
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

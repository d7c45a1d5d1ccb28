package signal

import (
	"math/rand"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func long(strategy, asset string, conf, price float64) Signal {
	return Signal{
		StrategyID: strategy, AssetID: asset, Direction: Long,
		Confidence: conf, Strength: Moderate, Timestamp: 1000,
		Price: price, PositionSize: 500,
		StopLoss: price * 0.98, TakeProfit: price * 1.04,
	}
}

func short(strategy, asset string, conf, price float64) Signal {
	return Signal{
		StrategyID: strategy, AssetID: asset, Direction: Short,
		Confidence: conf, Strength: Moderate, Timestamp: 1000,
		Price: price, PositionSize: 500,
		StopLoss: price * 1.02, TakeProfit: price * 0.96,
	}
}

func newAggregator(t *testing.T, cfg AggregatorConfig, enabled []string) *Aggregator {
	t.Helper()
	a, err := NewAggregator(cfg, enabled, zerolog.Nop())
	require.NoError(t, err)
	return a
}

func TestWeightedAverageConsensus(t *testing.T) {
	a := newAggregator(t, AggregatorConfig{
		Method:  WeightedAverage,
		Weights: map[string]float64{"alpha": 0.6, "beta": 0.4},
	}, []string{"alpha", "beta"})

	batch := Batch{CycleID: "c1", AtMs: 5000, Signals: []Signal{
		long("alpha", "BTC", 0.8, 50_000),
		short("beta", "BTC", 0.5, 50_100),
	}}
	out := a.Aggregate(batch)
	require.Len(t, out, 1)

	agg := out[0]
	assert.Equal(t, "BTC", agg.AssetID)
	assert.Equal(t, Long, agg.Direction)
	assert.InDelta(t, 0.28, agg.Confidence, 1e-9) // 0.6*0.8 - 0.4*0.5
	assert.Equal(t, Weak, agg.Strength)
	assert.InDelta(t, 140, agg.PositionSize, 1e-9) // 1000 * 0.28 * 0.5
	assert.Equal(t, []string{"alpha", "beta"}, agg.Contributors)
	assert.Equal(t, WeightedAverage, agg.Method)
	assert.Equal(t, "c1", agg.CycleID)
	assert.Equal(t, int64(5000), agg.Timestamp)

	// Risk legs sit on the long side of the blended price.
	assert.Greater(t, agg.Price, 0.0)
	assert.Less(t, agg.StopLoss, agg.Price)
	assert.Greater(t, agg.TakeProfit, agg.Price)
	require.NoError(t, agg.Signal.Validate(10_000))
}

func TestOpposingSignalsCancelToNeutral(t *testing.T) {
	a := newAggregator(t, AggregatorConfig{
		Method:  WeightedAverage,
		Weights: map[string]float64{"alpha": 0.5, "beta": 0.5},
	}, []string{"alpha", "beta"})

	out := a.Aggregate(Batch{CycleID: "c2", AtMs: 6000, Signals: []Signal{
		long("alpha", "BTC", 0.3, 50_000),
		short("beta", "BTC", 0.3, 50_000),
	}})
	require.Len(t, out, 1)

	agg := out[0]
	assert.Equal(t, Neutral, agg.Direction)
	assert.Zero(t, agg.Confidence)
	assert.Zero(t, agg.PositionSize)
	assert.Zero(t, agg.StopLoss)
	assert.Zero(t, agg.TakeProfit)
	assert.InDelta(t, 50_000, agg.Price, 1e-9)
	require.NoError(t, agg.Signal.Validate(10_000))
}

func TestNeutralThresholdIsExclusive(t *testing.T) {
	a := newAggregator(t, AggregatorConfig{
		Method:  WeightedAverage,
		Weights: map[string]float64{"alpha": 1.0},
	}, []string{"alpha"})

	// |score| equal to the threshold is directional, only below is
	// neutral.
	out := a.Aggregate(Batch{Signals: []Signal{long("alpha", "BTC", 0.1, 50_000)}})
	require.Len(t, out, 1)
	assert.Equal(t, Long, out[0].Direction)

	out = a.Aggregate(Batch{Signals: []Signal{long("alpha", "BTC", 0.0999, 50_000)}})
	require.Len(t, out, 1)
	assert.Equal(t, Neutral, out[0].Direction)
}

func TestAggregationIsOrderInvariant(t *testing.T) {
	a := newAggregator(t, AggregatorConfig{
		Method:  WeightedAverage,
		Weights: map[string]float64{"alpha": 0.5, "beta": 0.3, "gamma": 0.2},
	}, []string{"alpha", "beta", "gamma"})

	signals := []Signal{
		long("alpha", "BTC", 0.9, 50_000),
		short("beta", "BTC", 0.4, 50_200),
		long("gamma", "BTC", 0.6, 49_900),
		long("alpha", "ETH", 0.7, 3_000),
		short("beta", "ETH", 0.8, 3_010),
	}

	base := a.Aggregate(Batch{CycleID: "c", AtMs: 1, Signals: signals})
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 20; trial++ {
		shuffled := make([]Signal, len(signals))
		copy(shuffled, signals)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		got := a.Aggregate(Batch{CycleID: "c", AtMs: 1, Signals: shuffled})
		assert.Equal(t, base, got, "permutation %d changed the aggregate", trial)
	}
}

func TestAggregatesSortedByAsset(t *testing.T) {
	a := newAggregator(t, AggregatorConfig{
		Method:  WeightedAverage,
		Weights: map[string]float64{"alpha": 1.0},
	}, []string{"alpha"})

	out := a.Aggregate(Batch{Signals: []Signal{
		long("alpha", "SOL", 0.5, 150),
		long("alpha", "BTC", 0.5, 50_000),
		long("alpha", "ETH", 0.5, 3_000),
	}})
	require.Len(t, out, 3)
	assert.Equal(t, "BTC", out[0].AssetID)
	assert.Equal(t, "ETH", out[1].AssetID)
	assert.Equal(t, "SOL", out[2].AssetID)
}

func TestShortConsensusRiskInvariants(t *testing.T) {
	a := newAggregator(t, AggregatorConfig{
		Method:  WeightedAverage,
		Weights: map[string]float64{"alpha": 0.7, "beta": 0.3},
	}, []string{"alpha", "beta"})

	out := a.Aggregate(Batch{Signals: []Signal{
		short("alpha", "BTC", 0.9, 50_000),
		long("beta", "BTC", 0.2, 49_800),
	}})
	require.Len(t, out, 1)

	agg := out[0]
	require.Equal(t, Short, agg.Direction)
	assert.Greater(t, agg.StopLoss, agg.Price)
	assert.Less(t, agg.TakeProfit, agg.Price)
	assert.Greater(t, agg.TakeProfit, 0.0)
	require.NoError(t, agg.Signal.Validate(10_000))
}

func TestPositionSizeClampedToMaximum(t *testing.T) {
	a := newAggregator(t, AggregatorConfig{
		Method:       WeightedAverage,
		Weights:      map[string]float64{"alpha": 1.0},
		BasePosition: 8_000,
		MaxPosition:  10_000,
	}, []string{"alpha"})

	out := a.Aggregate(Batch{Signals: []Signal{long("alpha", "BTC", 1.0, 50_000)}})
	require.Len(t, out, 1)
	assert.Equal(t, Strong, out[0].Strength)
	// 8000 * 1.0 * 1.5 = 12000, clamped.
	assert.InDelta(t, 10_000, out[0].PositionSize, 1e-9)
}

func TestStrengthBreakpointBoundaries(t *testing.T) {
	a := newAggregator(t, AggregatorConfig{
		Method:  WeightedAverage,
		Weights: map[string]float64{"alpha": 1.0},
	}, []string{"alpha"})

	for _, tc := range []struct {
		conf float64
		want Strength
	}{
		{0.32, Weak},
		{0.33, Moderate},
		{0.65, Moderate},
		{0.66, Strong},
		{1.0, Strong},
	} {
		out := a.Aggregate(Batch{Signals: []Signal{long("alpha", "BTC", tc.conf, 50_000)}})
		require.Len(t, out, 1)
		assert.Equal(t, tc.want, out[0].Strength, "confidence %g", tc.conf)
	}
}

func TestMajorityVote(t *testing.T) {
	a := newAggregator(t, AggregatorConfig{Method: MajorityVote}, nil)

	out := a.Aggregate(Batch{Signals: []Signal{
		long("alpha", "BTC", 0.9, 50_000),
		long("beta", "BTC", 0.5, 50_100),
		short("gamma", "BTC", 0.99, 50_050),
	}})
	require.Len(t, out, 1)
	agg := out[0]
	assert.Equal(t, Long, agg.Direction)
	assert.InDelta(t, 0.7, agg.Confidence, 1e-9) // mean of the winning side
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, agg.Contributors)

	// A tie is a stand-off.
	out = a.Aggregate(Batch{Signals: []Signal{
		long("alpha", "BTC", 0.9, 50_000),
		short("gamma", "BTC", 0.9, 50_050),
	}})
	require.Len(t, out, 1)
	assert.Equal(t, Neutral, out[0].Direction)
}

func TestMaxConfidenceRetainsWinnerAttributes(t *testing.T) {
	a := newAggregator(t, AggregatorConfig{Method: MaxConfidence, MaxPosition: 400}, nil)

	winner := short("beta", "BTC", 0.95, 50_000)
	winner.PositionSize = 900
	out := a.Aggregate(Batch{Signals: []Signal{
		long("alpha", "BTC", 0.6, 49_900),
		winner,
	}})
	require.Len(t, out, 1)

	agg := out[0]
	assert.Equal(t, Short, agg.Direction)
	assert.Equal(t, 0.95, agg.Confidence)
	assert.Equal(t, winner.Price, agg.Price)
	assert.Equal(t, winner.StopLoss, agg.StopLoss)
	assert.Equal(t, winner.TakeProfit, agg.TakeProfit)
	assert.InDelta(t, 400, agg.PositionSize, 1e-9, "position clamped to maximum")
	assert.Equal(t, "beta", agg.Context["winner"])
	assert.Equal(t, []string{"alpha", "beta"}, agg.Contributors)
}

func TestAggregatorConfigValidation(t *testing.T) {
	enabled := []string{"alpha", "beta"}

	cases := []struct {
		name string
		cfg  AggregatorConfig
	}{
		{"missing weight", AggregatorConfig{
			Method: WeightedAverage, Weights: map[string]float64{"alpha": 1.0},
		}},
		{"weight for disabled strategy", AggregatorConfig{
			Method:  WeightedAverage,
			Weights: map[string]float64{"alpha": 0.5, "beta": 0.3, "ghost": 0.2},
		}},
		{"sum off beyond tolerance", AggregatorConfig{
			Method:  WeightedAverage,
			Weights: map[string]float64{"alpha": 0.5, "beta": 0.4},
		}},
		{"unknown method", AggregatorConfig{Method: "median"}},
		{"breakpoints not ascending", AggregatorConfig{
			Method: MajorityVote, WeakBelow: 0.7, ModerateBelow: 0.3,
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewAggregator(tc.cfg, enabled, zerolog.Nop())
			var ae *AggregationError
			require.ErrorAs(t, err, &ae)
		})
	}

	// Within tolerance passes.
	_, err := NewAggregator(AggregatorConfig{
		Method:             WeightedAverage,
		Weights:            map[string]float64{"alpha": 0.501, "beta": 0.501},
		WeightSumTolerance: 0.01,
	}, enabled, zerolog.Nop())
	assert.NoError(t, err)
}

// Package signal holds the trading-signal domain: the signals
// strategies emit, the per-asset aggregates derived from them, and the
// aggregation math itself.
package signal

import (
	"fmt"
	"math"
)

// Direction is the trade side a signal calls for.
type Direction string

const (
	Long    Direction = "LONG"
	Short   Direction = "SHORT"
	Neutral Direction = "NEUTRAL"
)

// Sign maps the direction onto the aggregation axis: +1 long, -1
// short, 0 neutral.
func (d Direction) Sign() float64 {
	switch d {
	case Long:
		return 1
	case Short:
		return -1
	}
	return 0
}

func (d Direction) valid() bool {
	return d == Long || d == Short || d == Neutral
}

// Strength buckets a signal's conviction.
type Strength string

const (
	Weak     Strength = "WEAK"
	Moderate Strength = "MODERATE"
	Strong   Strength = "STRONG"
)

func (s Strength) valid() bool {
	return s == Weak || s == Moderate || s == Strong
}

// StrengthFromConfidence buckets a confidence: below weakBelow is
// WEAK, below moderateBelow is MODERATE, the rest is STRONG.
func StrengthFromConfidence(conf, weakBelow, moderateBelow float64) Strength {
	switch {
	case conf < weakBelow:
		return Weak
	case conf < moderateBelow:
		return Moderate
	default:
		return Strong
	}
}

// Signal is one strategy's opinion about one asset at one instant.
// Strategies emit them; the aggregator folds them per asset.
type Signal struct {
	StrategyID string    `json:"strategy_id,omitempty"`
	AssetID    string    `json:"asset_id"`
	Direction  Direction `json:"direction"`
	// Confidence is the strategy's conviction in [0,1].
	Confidence float64  `json:"confidence"`
	Strength   Strength `json:"strength"`
	// Timestamp is when the signal was generated, epoch milliseconds.
	Timestamp int64 `json:"timestamp_ms"`
	// Price is the asset price the signal was generated at.
	Price float64 `json:"price_at_generation"`
	// PositionSize is the suggested exposure in quote units, already
	// clamped to the configured maximum.
	PositionSize float64 `json:"position_size"`
	StopLoss     float64 `json:"stop_loss,omitempty"`
	TakeProfit   float64 `json:"take_profit,omitempty"`
	// Context carries free-form strategy annotations for the alert
	// record.
	Context map[string]any `json:"context,omitempty"`
}

// Validate enforces the signal invariants. maxPosition of zero skips
// the position ceiling check.
func (s Signal) Validate(maxPosition float64) error {
	if s.AssetID == "" {
		return fmt.Errorf("signal: empty asset_id")
	}
	if !s.Direction.valid() {
		return fmt.Errorf("signal %s: unknown direction %q", s.AssetID, s.Direction)
	}
	if math.IsNaN(s.Confidence) || s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("signal %s: confidence %v outside [0,1]", s.AssetID, s.Confidence)
	}
	if !s.Strength.valid() {
		return fmt.Errorf("signal %s: unknown strength %q", s.AssetID, s.Strength)
	}
	if s.PositionSize < 0 {
		return fmt.Errorf("signal %s: negative position size %v", s.AssetID, s.PositionSize)
	}
	if maxPosition > 0 && s.PositionSize > maxPosition {
		return fmt.Errorf("signal %s: position size %v exceeds maximum %v", s.AssetID, s.PositionSize, maxPosition)
	}
	switch s.Direction {
	case Neutral:
		if s.PositionSize != 0 {
			return fmt.Errorf("signal %s: neutral signal carries position size %v", s.AssetID, s.PositionSize)
		}
	case Long:
		if s.Price <= 0 {
			return fmt.Errorf("signal %s: long signal without a price", s.AssetID)
		}
		if s.StopLoss >= s.Price {
			return fmt.Errorf("signal %s: long stop %v not below price %v", s.AssetID, s.StopLoss, s.Price)
		}
		if s.TakeProfit <= s.Price {
			return fmt.Errorf("signal %s: long take %v not above price %v", s.AssetID, s.TakeProfit, s.Price)
		}
	case Short:
		if s.Price <= 0 {
			return fmt.Errorf("signal %s: short signal without a price", s.AssetID)
		}
		if s.StopLoss <= s.Price {
			return fmt.Errorf("signal %s: short stop %v not above price %v", s.AssetID, s.StopLoss, s.Price)
		}
		if s.TakeProfit >= s.Price || s.TakeProfit <= 0 {
			return fmt.Errorf("signal %s: short take %v not below price %v", s.AssetID, s.TakeProfit, s.Price)
		}
	}
	return nil
}

// Batch is the output of one strategy cycle, the aggregator's input.
type Batch struct {
	CycleID string   `json:"cycle_id"`
	AtMs    int64    `json:"at_ms"`
	Signals []Signal `json:"signals"`
}

// Method selects how a group of signals folds into one aggregate.
type Method string

const (
	WeightedAverage Method = "weighted_average"
	MajorityVote    Method = "majority_vote"
	MaxConfidence   Method = "max_confidence"
)

func (m Method) valid() bool {
	return m == WeightedAverage || m == MajorityVote || m == MaxConfidence
}

// AggregatedSignal is the per-asset consensus for one cycle.
type AggregatedSignal struct {
	Signal
	CycleID      string   `json:"cycle_id"`
	Method       Method   `json:"method"`
	Contributors []string `json:"contributors"`
}

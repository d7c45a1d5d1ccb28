package signal

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignalValidate(t *testing.T) {
	valid := Signal{
		StrategyID: "alpha", AssetID: "BTC", Direction: Long,
		Confidence: 0.8, Strength: Strong, Timestamp: 1000,
		Price: 50_000, PositionSize: 1200,
		StopLoss: 49_000, TakeProfit: 52_000,
	}
	assert.NoError(t, valid.Validate(10_000))

	cases := []struct {
		name   string
		mutate func(*Signal)
	}{
		{"empty asset", func(s *Signal) { s.AssetID = "" }},
		{"bad direction", func(s *Signal) { s.Direction = "SIDEWAYS" }},
		{"confidence above one", func(s *Signal) { s.Confidence = 1.5 }},
		{"confidence NaN", func(s *Signal) { s.Confidence = math.NaN() }},
		{"bad strength", func(s *Signal) { s.Strength = "EXTREME" }},
		{"negative position", func(s *Signal) { s.PositionSize = -1 }},
		{"position above max", func(s *Signal) { s.PositionSize = 10_001 }},
		{"long stop above price", func(s *Signal) { s.StopLoss = 50_001 }},
		{"long take below price", func(s *Signal) { s.TakeProfit = 49_999 }},
		{"long without price", func(s *Signal) { s.Price = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := valid
			tc.mutate(&s)
			assert.Error(t, s.Validate(10_000))
		})
	}
}

func TestNeutralSignalMustBeFlat(t *testing.T) {
	s := Signal{
		AssetID: "BTC", Direction: Neutral, Confidence: 0,
		Strength: Weak, Timestamp: 1000, PositionSize: 10,
	}
	assert.Error(t, s.Validate(0))

	s.PositionSize = 0
	assert.NoError(t, s.Validate(0))
}

func TestShortSignalRiskSides(t *testing.T) {
	s := Signal{
		AssetID: "BTC", Direction: Short, Confidence: 0.5,
		Strength: Moderate, Timestamp: 1000, Price: 50_000,
		PositionSize: 100, StopLoss: 51_000, TakeProfit: 48_000,
	}
	assert.NoError(t, s.Validate(0))

	s.StopLoss = 49_000
	assert.Error(t, s.Validate(0), "short stop must sit above price")

	s.StopLoss = 51_000
	s.TakeProfit = 50_500
	assert.Error(t, s.Validate(0), "short take must sit below price")
}

func TestDirectionSign(t *testing.T) {
	assert.Equal(t, 1.0, Long.Sign())
	assert.Equal(t, -1.0, Short.Sign())
	assert.Equal(t, 0.0, Neutral.Sign())
}

package alerts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/driftline/internal/signal"
)

func TestDefaultFilterDropsNeutral(t *testing.T) {
	f := DefaultFilter()

	long := longAt("BTC-USD", 0.5, 100)
	assert.True(t, f(long))

	short := longAt("BTC-USD", 0.5, 100)
	short.Direction = signal.Short
	assert.True(t, f(short))

	neutral := longAt("BTC-USD", 0.9, 100)
	neutral.Direction = signal.Neutral
	assert.False(t, f(neutral), "NEUTRAL needs explicit opt-in")
}

func TestFilterSpecPredicates(t *testing.T) {
	f, err := FilterSpec{
		MinConfidence: 0.5,
		Directions:    []string{"LONG", "NEUTRAL"},
		Assets:        []string{"BTC-USD"},
		Strengths:     []string{"MODERATE", "STRONG"},
	}.Compile()
	require.NoError(t, err)

	pass := longAt("BTC-USD", 0.6, 100)
	assert.True(t, f(pass))

	lowConf := longAt("BTC-USD", 0.4, 100)
	assert.False(t, f(lowConf))

	short := longAt("BTC-USD", 0.6, 100)
	short.Direction = signal.Short
	assert.False(t, f(short), "SHORT not listed")

	neutral := longAt("BTC-USD", 0.6, 100)
	neutral.Direction = signal.Neutral
	assert.True(t, f(neutral), "NEUTRAL opted in")

	otherAsset := longAt("ETH-USD", 0.6, 100)
	assert.False(t, f(otherAsset))

	weak := longAt("BTC-USD", 0.6, 100)
	weak.Strength = signal.Weak
	assert.False(t, f(weak))
}

func TestFilterSpecCompileErrors(t *testing.T) {
	cases := []struct {
		name string
		spec FilterSpec
	}{
		{"negative confidence", FilterSpec{MinConfidence: -0.1}},
		{"confidence above one", FilterSpec{MinConfidence: 1.1}},
		{"unknown direction", FilterSpec{Directions: []string{"SIDEWAYS"}}},
		{"unknown strength", FilterSpec{Strengths: []string{"EXTREME"}}},
		{"empty asset", FilterSpec{Assets: []string{""}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.spec.Compile()
			require.Error(t, err)
		})
	}
}

package market

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObservationValidate(t *testing.T) {
	valid := NewOHLCV("BTC-USD:ohlcv", 1_700_000_000_000, 100, 105, 99, 104, 12.5)
	require.NoError(t, valid.Validate())

	cases := []struct {
		name string
		obs  Observation
	}{
		{"empty series", NewOHLCV("", 1_700_000_000_000, 1, 1, 1, 1, 1)},
		{"zero timestamp", NewOHLCV("s", 0, 1, 1, 1, 1, 1)},
		{"negative timestamp", NewMacro("s", -5, 1)},
		{"no payload", Observation{SeriesID: "s", Timestamp: 1}},
		{"two payloads", Observation{
			SeriesID:  "s",
			Timestamp: 1,
			Payload:   Payload{OHLCV: &OHLCV{}, Macro: &MacroPoint{}},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, tc.obs.Validate())
		})
	}
}

func TestPayloadKind(t *testing.T) {
	assert.Equal(t, KindOHLCV, NewOHLCV("s", 1, 1, 1, 1, 1, 1).Payload.Kind())
	assert.Equal(t, KindMacro, NewMacro("s", 1, 1).Payload.Kind())
	assert.Equal(t, KindBook, NewBook("s", 1, 99, 2, 101, 3).Payload.Kind())
	assert.Equal(t, PayloadKind(""), Payload{}.Kind())
}

func TestObservationPrice(t *testing.T) {
	assert.Equal(t, 104.0, NewOHLCV("s", 1, 100, 105, 99, 104, 1).Price())
	assert.Equal(t, 17.3, NewMacro("s", 1, 17.3).Price())
	assert.Equal(t, 100.0, NewBook("s", 1, 99, 2, 101, 3).Price())
	assert.Equal(t, 0.0, Observation{SeriesID: "s", Timestamp: 1}.Price())
}

func TestSnapshotAccessors(t *testing.T) {
	snap := Snapshot{
		"btc": {
			NewOHLCV("btc", 1000, 1, 1, 1, 10, 1),
			NewOHLCV("btc", 2000, 1, 1, 1, 20, 1),
		},
	}

	assert.Len(t, snap.Series("btc"), 2)
	assert.Nil(t, snap.Series("eth"))
	assert.Equal(t, 2, snap.Len("btc"))
	assert.Equal(t, 0, snap.Len("eth"))

	last, ok := snap.Last("btc")
	require.True(t, ok)
	assert.Equal(t, int64(2000), last.Timestamp)
	_, ok = snap.Last("eth")
	assert.False(t, ok)

	assert.Equal(t, []float64{10, 20}, snap.Prices("btc"))
	assert.Nil(t, snap.Prices("eth"))
}

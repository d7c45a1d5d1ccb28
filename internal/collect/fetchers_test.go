package collect

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/driftline/internal/market"
)

func TestSyntheticOHLCVIsDeterministic(t *testing.T) {
	cfg := SyntheticConfig{StepMs: 60_000, BasePrice: 50_000, Amplitude: 0.05, Jitter: 0.01, Seed: 7}
	fetch := NewSyntheticOHLCV("btc:ohlcv", cfg)
	w := Window{LoMs: 0, HiMs: 600_000}

	a := fetch(context.Background(), w)
	b := fetch(context.Background(), w)
	require.Equal(t, ResultOk, a.Kind())
	assert.Equal(t, a.Observations(), b.Observations())

	// Same seed from a separate instance too.
	c := NewSyntheticOHLCV("btc:ohlcv", cfg)(context.Background(), w)
	assert.Equal(t, a.Observations(), c.Observations())
}

func TestSyntheticRespectsWindowGrid(t *testing.T) {
	cfg := SyntheticConfig{StepMs: 60_000, BasePrice: 100, Jitter: 0.01}
	fetch := NewSyntheticOHLCV("eth:ohlcv", cfg)

	res := fetch(context.Background(), Window{LoMs: 90_000, HiMs: 300_000})
	require.Equal(t, ResultOk, res.Kind())
	obs := res.Observations()
	require.Len(t, obs, 4) // bars at 120k, 180k, 240k, 300k
	assert.Equal(t, int64(120_000), obs[0].Timestamp)
	assert.Equal(t, int64(300_000), obs[3].Timestamp)
	for _, o := range obs {
		require.NoError(t, o.Validate())
		bar := o.Payload.OHLCV
		assert.GreaterOrEqual(t, bar.High, bar.Close)
		assert.LessOrEqual(t, bar.Low, bar.Close)
	}
}

func TestSyntheticEmptyAndInvertedWindows(t *testing.T) {
	fetch := NewSyntheticOHLCV("btc:ohlcv", SyntheticConfig{StepMs: 60_000})

	res := fetch(context.Background(), Window{LoMs: 10, HiMs: 20})
	require.Equal(t, ResultOk, res.Kind())
	assert.Empty(t, res.Observations())

	res = fetch(context.Background(), Window{LoMs: 500_000, HiMs: 100_000})
	require.Equal(t, ResultOk, res.Kind())
	assert.Empty(t, res.Observations())
}

func TestSyntheticCapsOversizedWindows(t *testing.T) {
	cfg := SyntheticConfig{StepMs: 1000, MaxBars: 10, BasePrice: 100}
	fetch := NewSyntheticMacro("macro:DXY", cfg)

	res := fetch(context.Background(), Window{LoMs: 0, HiMs: 1_000_000})
	require.Equal(t, ResultOk, res.Kind())
	obs := res.Observations()
	require.Len(t, obs, 10)
	// The newest bars survive the cap.
	assert.Equal(t, int64(1_000_000), obs[9].Timestamp)
	assert.Equal(t, int64(991_000), obs[0].Timestamp)
}

func TestSyntheticBookHasPositiveSpread(t *testing.T) {
	fetch := NewSyntheticBook("btc:book", SyntheticConfig{StepMs: 60_000, BasePrice: 50_000, Jitter: 0.01})
	res := fetch(context.Background(), Window{LoMs: 60_000, HiMs: 300_000})
	require.Equal(t, ResultOk, res.Kind())
	for _, o := range res.Observations() {
		book := o.Payload.Book
		assert.Greater(t, book.AskPrice, book.BidPrice)
		assert.Greater(t, book.BidSize, 0.0)
	}
}

func writeFixture(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.csv")
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o644))
	return path
}

func TestReplayServesWindowFromFixture(t *testing.T) {
	path := writeFixture(t, "timestamp_ms,open,high,low,close,volume\n"+
		"3000,10,11,9,10.5,100\n"+
		"1000,9,10,8,9.5,50\n"+
		"2000,9.5,10.5,9,10,75\n")
	fetch := NewReplayOHLCV("btc:ohlcv", path)

	res := fetch(context.Background(), Window{LoMs: 1000, HiMs: 2000})
	require.Equal(t, ResultOk, res.Kind())
	obs := res.Observations()
	require.Len(t, obs, 2)
	// Rows come back sorted even though the fixture was not.
	assert.Equal(t, int64(1000), obs[0].Timestamp)
	assert.Equal(t, int64(2000), obs[1].Timestamp)
	assert.Equal(t, market.KindOHLCV, obs[0].Payload.Kind())
	assert.Equal(t, 9.5, obs[0].Payload.OHLCV.Close)

	res = fetch(context.Background(), Window{LoMs: 4000, HiMs: 9000})
	require.Equal(t, ResultOk, res.Kind())
	assert.Empty(t, res.Observations())
}

func TestReplayMissingFileIsFatal(t *testing.T) {
	fetch := NewReplayOHLCV("btc:ohlcv", filepath.Join(t.TempDir(), "nope.csv"))
	res := fetch(context.Background(), Window{LoMs: 0, HiMs: 1000})
	assert.Equal(t, ResultFatal, res.Kind())
	assert.Error(t, res.Err())
}

func TestReplayMalformedRowIsFatal(t *testing.T) {
	path := writeFixture(t, "1000,9,10,8,9.5,50\n2000,not-a-number,10.5,9,10,75\n")
	fetch := NewReplayOHLCV("btc:ohlcv", path)
	res := fetch(context.Background(), Window{LoMs: 0, HiMs: 5000})
	require.Equal(t, ResultFatal, res.Kind())
	assert.Contains(t, res.Err().Error(), "row 2")
}

func TestFetchersReportCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := NewSyntheticOHLCV("btc:ohlcv", SyntheticConfig{})(ctx, Window{LoMs: 0, HiMs: 60_000})
	assert.Equal(t, ResultTransient, res.Kind())

	res = NewReplayOHLCV("btc:ohlcv", "unused")(ctx, Window{LoMs: 0, HiMs: 60_000})
	assert.Equal(t, ResultTransient, res.Kind())
}

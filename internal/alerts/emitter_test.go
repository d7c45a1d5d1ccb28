package alerts

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/driftline/internal/clock"
	"github.com/driftline/driftline/internal/metrics"
	"github.com/driftline/driftline/internal/signal"
)

func newTestEmitter(t *testing.T, threshold float64) (*Emitter, *clock.Fake, string) {
	t.Helper()
	dir := t.TempDir()
	clk := clock.NewFakeMs(dispatchStartMs)
	e, err := NewEmitter(dir, threshold, clk, metrics.NewRegistry(), zerolog.Nop())
	require.NoError(t, err)
	return e, clk, dir
}

func readRecord(t *testing.T, path string) Record {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var rec Record
	require.NoError(t, json.Unmarshal(data, &rec))
	return rec
}

func TestEmitterValidatesConstruction(t *testing.T) {
	clk := clock.NewFakeMs(0)
	met := metrics.NewRegistry()

	_, err := NewEmitter("", 0.3, clk, met, zerolog.Nop())
	require.Error(t, err)

	_, err = NewEmitter(t.TempDir(), 1.5, clk, met, zerolog.Nop())
	require.Error(t, err)
}

func TestEmitWritesQualifyingAggregate(t *testing.T) {
	e, _, dir := newTestEmitter(t, 0.3)

	ag := longAt("BTC-USD", 0.8, 50_000)
	path, written, err := e.Emit(ag)
	require.NoError(t, err)
	require.True(t, written)

	// 2023-11-14T22:13:20Z in epoch ms 1_700_000_000_000.
	assert.Equal(t, filepath.Join(dir, "signal_BTC-USD_20231114_221320.0.json"), path)

	rec := readRecord(t, path)
	assert.Equal(t, CategorySignal, rec.Category)
	assert.Equal(t, "BTC-USD", rec.Asset)
	assert.Equal(t, signal.Long, rec.Direction)
	assert.Equal(t, 0.8, rec.Confidence)
	assert.Equal(t, []string{"btc_momentum"}, rec.Contributors)
	assert.Equal(t, "cycle-1", rec.CycleID)
}

func TestEmitSkipsBelowThreshold(t *testing.T) {
	e, _, dir := newTestEmitter(t, 0.5)

	path, written, err := e.Emit(longAt("BTC-USD", 0.49, 50_000))
	require.NoError(t, err)
	assert.False(t, written)
	assert.Empty(t, path)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEmitSequencesSameSecondWrites(t *testing.T) {
	e, _, _ := newTestEmitter(t, 0)

	p0, _, err := e.Emit(longAt("BTC-USD", 0.8, 50_000))
	require.NoError(t, err)
	p1, _, err := e.Emit(longAt("BTC-USD", 0.8, 50_001))
	require.NoError(t, err)

	assert.Contains(t, p0, ".0.json")
	assert.Contains(t, p1, ".1.json")
	assert.NotEqual(t, p0, p1)
}

func TestEmitSanitizesAssetForFilename(t *testing.T) {
	e, _, _ := newTestEmitter(t, 0)

	path, written, err := e.Emit(longAt("BTC/USD zürich", 0.8, 50_000))
	require.NoError(t, err)
	require.True(t, written)
	assert.Contains(t, filepath.Base(path), "signal_BTC-USD-z-rich_")

	// The record itself keeps the original asset id.
	assert.Equal(t, "BTC/USD zürich", readRecord(t, path).Asset)
}

func TestEmitBackfillsTimestamp(t *testing.T) {
	e, clk, _ := newTestEmitter(t, 0)
	clk.AdvanceMs(5_000)

	ag := longAt("BTC-USD", 0.8, 50_000)
	ag.Timestamp = 0
	path, _, err := e.Emit(ag)
	require.NoError(t, err)

	assert.Equal(t, clk.NowMs(), readRecord(t, path).TimestampMs)
}

func TestEmitOperationalBypassesThreshold(t *testing.T) {
	e, _, _ := newTestEmitter(t, 0.99)

	path, err := e.EmitOperational("strategy:btc_momentum", "strategy excluded from cycle",
		map[string]any{"cycle_id": "cycle-1", "error": "window too small"})
	require.NoError(t, err)
	assert.Contains(t, filepath.Base(path), "operational_strategy-btc-momentum_")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var rec OperationalRecord
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, CategoryOperational, rec.Category)
	assert.Equal(t, "strategy:btc_momentum", rec.Component)
	assert.Equal(t, "strategy excluded from cycle", rec.Message)
	assert.Equal(t, "cycle-1", rec.Context["cycle_id"])
}

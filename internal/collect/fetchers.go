package collect

import (
	"context"
	"encoding/csv"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"sort"
	"strconv"
	"sync"

	"github.com/driftline/driftline/internal/market"
)

// SyntheticConfig shapes a generated price series. Synthetic sources
// back development and soak runs when no provider credentials are
// around; the same (seed, series, window) always yields the same bars.
type SyntheticConfig struct {
	// StepMs is the bar cadence. Bars sit on multiples of StepMs.
	StepMs int64 `yaml:"step_ms"`
	// BasePrice anchors the series.
	BasePrice float64 `yaml:"base_price"`
	// Amplitude is the relative swing of the slow cycle, e.g. 0.05.
	Amplitude float64 `yaml:"amplitude"`
	// Jitter is the relative per-bar noise, e.g. 0.01.
	Jitter float64 `yaml:"jitter"`
	Seed   int64   `yaml:"seed"`
	// MaxBars caps one fetch; only the most recent bars of an oversized
	// window are produced. Zero means the default of 5000.
	MaxBars int `yaml:"max_bars"`
}

func (c SyntheticConfig) withDefaults() SyntheticConfig {
	if c.StepMs <= 0 {
		c.StepMs = 60_000
	}
	if c.BasePrice <= 0 {
		c.BasePrice = 100
	}
	if c.MaxBars <= 0 {
		c.MaxBars = 5000
	}
	return c
}

// mix64 is a splitmix64 round, the per-bar noise source.
func mix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

func seriesSeed(seriesID string, seed int64) uint64 {
	h := fnv.New64a()
	h.Write([]byte(seriesID))
	return h.Sum64() ^ uint64(seed)
}

// unitNoise maps a bar index to [0,1).
func unitNoise(seed uint64, i int64) float64 {
	return float64(mix64(seed^uint64(i))>>11) / float64(1<<53)
}

func syntheticPrice(cfg SyntheticConfig, seed uint64, i int64) float64 {
	wave := cfg.Amplitude * math.Sin(2*math.Pi*float64(i)/128)
	noise := cfg.Jitter * (2*unitNoise(seed, i) - 1)
	return cfg.BasePrice * (1 + wave + noise)
}

// barRange maps a window onto the bar grid, newest MaxBars only.
func barRange(cfg SyntheticConfig, w Window) (first, last int64, ok bool) {
	if w.HiMs < w.LoMs {
		return 0, 0, false
	}
	first = (w.LoMs + cfg.StepMs - 1) / cfg.StepMs
	if first < 1 {
		first = 1
	}
	last = w.HiMs / cfg.StepMs
	if last < first {
		return 0, 0, false
	}
	if n := last - first + 1; n > int64(cfg.MaxBars) {
		first = last - int64(cfg.MaxBars) + 1
	}
	return first, last, true
}

// NewSyntheticOHLCV returns a fetch producing a deterministic candle
// series on the configured grid.
func NewSyntheticOHLCV(seriesID string, cfg SyntheticConfig) FetchFunc {
	cfg = cfg.withDefaults()
	seed := seriesSeed(seriesID, cfg.Seed)
	return func(ctx context.Context, w Window) FetchResult {
		if err := ctx.Err(); err != nil {
			return TransientFailure(err)
		}
		first, last, ok := barRange(cfg, w)
		if !ok {
			return Ok(nil)
		}
		obs := make([]market.Observation, 0, last-first+1)
		for i := first; i <= last; i++ {
			openPx := syntheticPrice(cfg, seed, i-1)
			closePx := syntheticPrice(cfg, seed, i)
			high := math.Max(openPx, closePx) * (1 + cfg.Jitter/2)
			low := math.Min(openPx, closePx) * (1 - cfg.Jitter/2)
			volume := 1000 * (0.5 + unitNoise(seed+1, i))
			obs = append(obs, market.NewOHLCV(seriesID, i*cfg.StepMs, openPx, high, low, closePx, volume))
		}
		return Ok(obs)
	}
}

// NewSyntheticMacro returns a fetch producing a deterministic scalar
// indicator series.
func NewSyntheticMacro(seriesID string, cfg SyntheticConfig) FetchFunc {
	cfg = cfg.withDefaults()
	seed := seriesSeed(seriesID, cfg.Seed)
	return func(ctx context.Context, w Window) FetchResult {
		if err := ctx.Err(); err != nil {
			return TransientFailure(err)
		}
		first, last, ok := barRange(cfg, w)
		if !ok {
			return Ok(nil)
		}
		obs := make([]market.Observation, 0, last-first+1)
		for i := first; i <= last; i++ {
			obs = append(obs, market.NewMacro(seriesID, i*cfg.StepMs, syntheticPrice(cfg, seed, i)))
		}
		return Ok(obs)
	}
}

// NewSyntheticBook returns a fetch producing deterministic top-of-book
// snapshots around the synthetic mid price.
func NewSyntheticBook(seriesID string, cfg SyntheticConfig) FetchFunc {
	cfg = cfg.withDefaults()
	seed := seriesSeed(seriesID, cfg.Seed)
	return func(ctx context.Context, w Window) FetchResult {
		if err := ctx.Err(); err != nil {
			return TransientFailure(err)
		}
		first, last, ok := barRange(cfg, w)
		if !ok {
			return Ok(nil)
		}
		obs := make([]market.Observation, 0, last-first+1)
		for i := first; i <= last; i++ {
			mid := syntheticPrice(cfg, seed, i)
			spread := mid * math.Max(cfg.Jitter/4, 0.0001)
			bidSz := 10 * (0.5 + unitNoise(seed+2, i))
			askSz := 10 * (0.5 + unitNoise(seed+3, i))
			obs = append(obs, market.NewBook(seriesID, i*cfg.StepMs, mid-spread/2, bidSz, mid+spread/2, askSz))
		}
		return Ok(obs)
	}
}

// replaySource loads a candle fixture once and serves slices of it.
type replaySource struct {
	seriesID string
	path     string

	once sync.Once
	rows []market.Observation
	err  error
}

// NewReplayOHLCV returns a fetch serving candles from a CSV fixture
// with columns timestamp_ms,open,high,low,close,volume. A header row
// is skipped when present. Fixture problems are fatal: the file will
// not fix itself on retry.
func NewReplayOHLCV(seriesID, path string) FetchFunc {
	src := &replaySource{seriesID: seriesID, path: path}
	return func(ctx context.Context, w Window) FetchResult {
		if err := ctx.Err(); err != nil {
			return TransientFailure(err)
		}
		src.once.Do(src.load)
		if src.err != nil {
			return FatalFailure(src.err)
		}
		lo := sort.Search(len(src.rows), func(i int) bool { return src.rows[i].Timestamp >= w.LoMs })
		hi := sort.Search(len(src.rows), func(i int) bool { return src.rows[i].Timestamp > w.HiMs })
		if lo >= hi {
			return Ok(nil)
		}
		out := make([]market.Observation, hi-lo)
		copy(out, src.rows[lo:hi])
		return Ok(out)
	}
}

func (s *replaySource) load() {
	f, err := os.Open(s.path)
	if err != nil {
		s.err = fmt.Errorf("replay %s: %w", s.seriesID, err)
		return
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 6
	records, err := r.ReadAll()
	if err != nil {
		s.err = fmt.Errorf("replay %s: parse %s: %w", s.seriesID, s.path, err)
		return
	}
	rows := make([]market.Observation, 0, len(records))
	for i, rec := range records {
		ts, err := strconv.ParseInt(rec[0], 10, 64)
		if err != nil {
			if i == 0 {
				continue // header row
			}
			s.err = fmt.Errorf("replay %s: row %d: bad timestamp %q", s.seriesID, i+1, rec[0])
			return
		}
		var v [5]float64
		for j := 1; j < 6; j++ {
			v[j-1], err = strconv.ParseFloat(rec[j], 64)
			if err != nil {
				s.err = fmt.Errorf("replay %s: row %d: bad field %q", s.seriesID, i+1, rec[j])
				return
			}
		}
		rows = append(rows, market.NewOHLCV(s.seriesID, ts, v[0], v[1], v[2], v[3], v[4]))
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Timestamp < rows[j].Timestamp })
	s.rows = rows
}

package sched

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/driftline/internal/clock"
	"github.com/driftline/driftline/internal/collect"
	"github.com/driftline/driftline/internal/market"
	"github.com/driftline/driftline/internal/metrics"
	"github.com/driftline/driftline/internal/ratelimit"
	"github.com/driftline/driftline/internal/store"
	"github.com/driftline/driftline/internal/store/memory"
)

type harness struct {
	clk     *clock.Fake
	obs     *memory.ObservationStore
	states  *memory.TaskStateStore
	budgets *ratelimit.Manager
	met     *metrics.Registry
	s       *Scheduler
}

func newHarness(startMs int64, cfg Config) *harness {
	clk := clock.NewFakeMs(startMs)
	if cfg.JitterSeed == 0 {
		cfg.JitterSeed = 1
	}
	h := &harness{
		clk:     clk,
		obs:     memory.NewObservationStore(),
		states:  memory.NewTaskStateStore(),
		budgets: ratelimit.NewManager(clk),
		met:     metrics.NewRegistry(),
	}
	h.s = New(clk, h.obs, h.states, h.budgets, h.met, cfg, zerolog.Nop())
	return h
}

// start runs the scheduler and registers a cleanup that stops it and
// verifies a clean exit.
func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("scheduler did not stop")
		}
	})
}

func (h *harness) info(id string) (TaskInfo, bool) {
	for _, ti := range h.s.Snapshot() {
		if ti.TaskID == id {
			return ti, true
		}
	}
	return TaskInfo{}, false
}

func (h *harness) mustInfo(t *testing.T, id string) TaskInfo {
	t.Helper()
	ti, ok := h.info(id)
	require.True(t, ok, "task %s missing from snapshot", id)
	return ti
}

// parked waits until the loop is asleep on the fake clock. Once the
// loop parks, the dispatch scan for the current instant has finished,
// so absence assertions are race-free.
func (h *harness) parked(t *testing.T) {
	t.Helper()
	require.True(t, h.clk.BlockUntilSleepers(1, 2*time.Second), "scheduler loop did not park")
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, time.Millisecond, msg)
}

// runRecorder is a scriptable task body that records when it ran.
type runRecorder struct {
	mu      sync.Mutex
	times   []int64
	windows []collect.Window
	// scripted results are consumed in order; afterwards every run
	// returns Ok(nil).
	results []collect.FetchResult
}

func (r *runRecorder) run(clk clock.Clock) RunFunc {
	return func(ctx context.Context, w collect.Window) collect.FetchResult {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.times = append(r.times, clk.NowMs())
		r.windows = append(r.windows, w)
		if len(r.results) > 0 {
			res := r.results[0]
			r.results = r.results[1:]
			return res
		}
		return collect.Ok(nil)
	}
}

func (r *runRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.times)
}

func (r *runRecorder) at(i int) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.times[i]
}

func (r *runRecorder) window(i int) collect.Window {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.windows[i]
}

// blockingBody parks inside the task body until released, so tests can
// hold a pool slot open at will.
type blockingBody struct {
	started chan struct{}
	release chan struct{}
}

func newBlockingBody() *blockingBody {
	return &blockingBody{started: make(chan struct{}, 8), release: make(chan struct{})}
}

func (b *blockingBody) run(ctx context.Context, _ collect.Window) collect.FetchResult {
	b.started <- struct{}{}
	select {
	case <-b.release:
		return collect.Ok(nil)
	case <-ctx.Done():
		return collect.TransientFailure(ctx.Err())
	}
}

func TestSteadyCadence(t *testing.T) {
	h := newHarness(0, Config{})
	require.NoError(t, h.s.RegisterTier(Tier{Name: "high_frequency", IntervalMs: 900_000}))

	rec := &runRecorder{}
	require.NoError(t, h.s.Register(Task{ID: "btc_ohlcv", Tier: "high_frequency", Run: rec.run(h.clk)}))
	h.start(t)

	waitFor(t, func() bool {
		ti, ok := h.info("btc_ohlcv")
		return ok && rec.count() == 1 && ti.NextEligibleMs == 900_000
	}, "first run")

	h.parked(t)
	h.clk.SetMs(900_000)
	waitFor(t, func() bool {
		ti, ok := h.info("btc_ohlcv")
		return ok && rec.count() == 2 && ti.NextEligibleMs == 1_800_000
	}, "second run")

	h.parked(t)
	h.clk.SetMs(1_800_000)
	waitFor(t, func() bool {
		ti, ok := h.info("btc_ohlcv")
		return ok && rec.count() == 3 && ti.NextEligibleMs == 2_700_000
	}, "third run")

	h.parked(t)
	h.clk.SetMs(2_699_999)
	h.parked(t)

	require.Equal(t, 3, rec.count(), "no extra run before the next interval boundary")
	assert.Equal(t, int64(0), rec.at(0))
	assert.Equal(t, int64(900_000), rec.at(1))
	assert.Equal(t, int64(1_800_000), rec.at(2))

	ti := h.mustInfo(t, "btc_ohlcv")
	assert.Equal(t, int64(1_800_000), ti.LastRunMs)
	assert.Equal(t, int64(1_800_000), ti.LastSuccessMs)
	assert.Equal(t, 0, ti.ConsecutiveFailures)
	assert.Equal(t, int64(2_699_999), h.s.LastTickMs())
}

func TestTransientBackoffAndRecovery(t *testing.T) {
	h := newHarness(0, Config{})
	require.NoError(t, h.s.RegisterTier(Tier{Name: "high_frequency", IntervalMs: 900_000}))

	rec := &runRecorder{results: []collect.FetchResult{
		collect.TransientFailure(errors.New("kraken: 503")),
	}}
	require.NoError(t, h.s.Register(Task{ID: "btc_ohlcv", Tier: "high_frequency", Run: rec.run(h.clk)}))
	h.start(t)

	waitFor(t, func() bool {
		ti, ok := h.info("btc_ohlcv")
		return ok && ti.ConsecutiveFailures == 1
	}, "failure applied")

	ti := h.mustInfo(t, "btc_ohlcv")
	disabled := ti.DisabledUntilMs
	assert.GreaterOrEqual(t, disabled, int64(1_350_000), "backoff below 2x interval with -25%% jitter")
	assert.LessOrEqual(t, disabled, int64(2_250_000), "backoff above 2x interval with +25%% jitter")
	assert.Equal(t, disabled, ti.NextEligibleMs)

	// The nominal next slot passes without a retry.
	h.parked(t)
	h.clk.SetMs(900_000)
	h.parked(t)
	require.Equal(t, 1, rec.count())
	assert.Equal(t, int64(0), h.mustInfo(t, "btc_ohlcv").LastRunMs, "no dispatch while backed off")

	// First instant at or past disabled_until retries and succeeds.
	h.clk.SetMs(disabled)
	waitFor(t, func() bool {
		ti, ok := h.info("btc_ohlcv")
		return ok && rec.count() == 2 && ti.ConsecutiveFailures == 0 && ti.LastSuccessMs == disabled
	}, "recovery run")
	assert.Equal(t, disabled, rec.at(1))
}

func TestBackoffGrowsAndStaysCapped(t *testing.T) {
	h := newHarness(0, Config{MaxBackoffMs: 2_000_000})
	require.NoError(t, h.s.RegisterTier(Tier{Name: "high_frequency", IntervalMs: 900_000}))

	rec := &runRecorder{results: []collect.FetchResult{
		collect.TransientFailure(errors.New("kraken: timeout")),
		collect.TransientFailure(errors.New("kraken: timeout")),
		collect.TransientFailure(errors.New("kraken: timeout")),
	}}
	require.NoError(t, h.s.Register(Task{ID: "btc_ohlcv", Tier: "high_frequency", Run: rec.run(h.clk)}))
	h.start(t)

	waitFor(t, func() bool {
		ti, ok := h.info("btc_ohlcv")
		return ok && ti.ConsecutiveFailures == 1
	}, "first failure")
	first := h.mustInfo(t, "btc_ohlcv").DisabledUntilMs
	assert.GreaterOrEqual(t, first, int64(1_350_000))
	assert.LessOrEqual(t, first, int64(2_000_000), "cap applies after jitter")

	h.parked(t)
	h.clk.SetMs(first)
	waitFor(t, func() bool {
		ti, ok := h.info("btc_ohlcv")
		return ok && ti.ConsecutiveFailures == 2
	}, "second failure")
	second := h.mustInfo(t, "btc_ohlcv").DisabledUntilMs
	assert.GreaterOrEqual(t, second-first, int64(1_500_000), "doubled base jittered down at most 25%%")
	assert.LessOrEqual(t, second-first, int64(2_000_000))

	h.parked(t)
	h.clk.SetMs(second)
	waitFor(t, func() bool {
		ti, ok := h.info("btc_ohlcv")
		return ok && ti.ConsecutiveFailures == 3
	}, "third failure")
	third := h.mustInfo(t, "btc_ohlcv").DisabledUntilMs
	assert.LessOrEqual(t, third-second, int64(2_000_000), "backoff never exceeds the cap")
}

func TestFatalFailureDisablesTask(t *testing.T) {
	h := newHarness(0, Config{})
	require.NoError(t, h.s.RegisterTier(Tier{Name: "macro", IntervalMs: 86_400_000}))

	rec := &runRecorder{results: []collect.FetchResult{
		collect.FatalFailure(errors.New("fred: api key revoked")),
	}}
	require.NoError(t, h.s.Register(Task{ID: "dxy_index", Tier: "macro", Run: rec.run(h.clk)}))
	h.start(t)

	waitFor(t, func() bool {
		ti, ok := h.info("dxy_index")
		return ok && ti.Disabled()
	}, "task disabled")

	h.parked(t)
	h.clk.SetMs(1_000_000_000)
	h.parked(t)
	require.Equal(t, 1, rec.count(), "disabled task never refires")
	assert.Equal(t, store.DisabledForever, h.mustInfo(t, "dxy_index").DisabledUntilMs)
}

func TestRestartCatchesUpOnce(t *testing.T) {
	h := newHarness(5_000_000, Config{})
	require.NoError(t, h.states.Save(context.Background(), store.TaskState{
		TaskID:        "btc_ohlcv",
		Tier:          "high_frequency",
		IntervalMs:    900_000,
		LastRunMs:     900_000,
		LastSuccessMs: 900_000,
	}))

	require.NoError(t, h.s.RegisterTier(Tier{Name: "high_frequency", IntervalMs: 900_000}))
	rec := &runRecorder{}
	require.NoError(t, h.s.Register(Task{ID: "btc_ohlcv", Tier: "high_frequency", Run: rec.run(h.clk)}))
	h.start(t)

	waitFor(t, func() bool { return rec.count() == 1 }, "catch-up run")
	assert.Equal(t, int64(5_000_000), rec.at(0), "one fire at restart, not a replay of missed slots")

	waitFor(t, func() bool {
		ti, ok := h.info("btc_ohlcv")
		return ok && ti.NextEligibleMs == 5_900_000
	}, "cadence resumes from the catch-up fire")

	h.parked(t)
	h.clk.SetMs(5_899_999)
	h.parked(t)
	require.Equal(t, 1, rec.count(), "exactly one catch-up fire")
	assert.Equal(t, int64(5_000_000), h.mustInfo(t, "btc_ohlcv").LastRunMs)

	h.clk.SetMs(5_900_000)
	waitFor(t, func() bool { return rec.count() == 2 }, "next regular run")
	assert.Equal(t, int64(5_900_000), rec.at(1))
}

func TestCrossTierIsolation(t *testing.T) {
	h := newHarness(0, Config{})
	require.NoError(t, h.s.RegisterTier(Tier{Name: "high_frequency", IntervalMs: 900_000}))
	require.NoError(t, h.s.RegisterTier(Tier{Name: "hourly", IntervalMs: 60_000}))

	slow := newBlockingBody()
	require.NoError(t, h.s.Register(Task{ID: "btc_ohlcv", Tier: "high_frequency", Run: slow.run}))

	rec := &runRecorder{}
	require.NoError(t, h.s.Register(Task{ID: "ada_ohlcv", Tier: "hourly", Run: rec.run(h.clk)}))
	h.start(t)

	<-slow.started
	waitFor(t, func() bool { return rec.count() == 1 }, "other tier dispatches at t=0")

	h.parked(t)
	h.clk.SetMs(60_000)
	waitFor(t, func() bool { return rec.count() == 2 }, "other tier keeps its cadence")

	h.parked(t)
	h.clk.SetMs(120_000)
	waitFor(t, func() bool { return rec.count() == 3 }, "still on cadence")

	assert.Equal(t, int64(0), rec.at(0))
	assert.Equal(t, int64(60_000), rec.at(1))
	assert.Equal(t, int64(120_000), rec.at(2))

	close(slow.release)
	waitFor(t, func() bool {
		ti, ok := h.info("btc_ohlcv")
		return ok && ti.NextEligibleMs == 900_000
	}, "slow task completes")
	assert.Len(t, slow.started, 0, "slow task never double-fired while inflight")
}

func TestTierPoolSerializesTasks(t *testing.T) {
	h := newHarness(0, Config{})
	require.NoError(t, h.s.RegisterTier(Tier{Name: "high_frequency", IntervalMs: 900_000, MaxParallel: 1}))

	slow := newBlockingBody()
	require.NoError(t, h.s.Register(Task{ID: "btc_ohlcv", Tier: "high_frequency", Run: slow.run}))
	rec := &runRecorder{}
	require.NoError(t, h.s.Register(Task{ID: "eth_ohlcv", Tier: "high_frequency", Run: rec.run(h.clk)}))
	h.start(t)

	<-slow.started
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 0, rec.count(), "pool of one admits a single task")

	close(slow.release)
	waitFor(t, func() bool { return rec.count() == 1 }, "queued task runs when the slot frees")
	assert.Equal(t, int64(0), rec.at(0), "queued task keeps its eligibility instant")
}

func TestBudgetDeferralIsNotAFailure(t *testing.T) {
	h := newHarness(0, Config{})
	require.NoError(t, h.budgets.Configure("kraken", ratelimit.Config{Capacity: 1, RefillPerSec: 0.0000001}))
	require.True(t, h.budgets.TryAcquire("kraken", 1), "drain the bucket")

	require.NoError(t, h.s.RegisterTier(Tier{Name: "high_frequency", IntervalMs: 900_000}))
	rec := &runRecorder{}
	require.NoError(t, h.s.Register(Task{
		ID: "btc_ohlcv", Tier: "high_frequency", ProviderID: "kraken", Run: rec.run(h.clk),
	}))
	h.start(t)

	waitFor(t, func() bool {
		ti, ok := h.info("btc_ohlcv")
		return ok && ti.DisabledUntilMs == 900_000
	}, "deferred to next cycle")

	ti := h.mustInfo(t, "btc_ohlcv")
	assert.Equal(t, 0, ti.ConsecutiveFailures, "deferral is not a failure")
	assert.Equal(t, 0, rec.count(), "body never ran")

	h.parked(t)
	h.clk.SetMs(900_000)
	waitFor(t, func() bool {
		ti, ok := h.info("btc_ohlcv")
		return ok && ti.DisabledUntilMs == 1_800_000
	}, "deferred again while the budget stays dry")
	assert.Equal(t, 0, h.mustInfo(t, "btc_ohlcv").ConsecutiveFailures)
	assert.Equal(t, 0, rec.count())
}

func TestShutdownKeepsLastCompletedTransition(t *testing.T) {
	h := newHarness(0, Config{})
	require.NoError(t, h.s.RegisterTier(Tier{Name: "high_frequency", IntervalMs: 900_000}))

	slow := newBlockingBody()
	require.NoError(t, h.s.Register(Task{ID: "btc_ohlcv", Tier: "high_frequency", Run: slow.run}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.s.Run(ctx) }()

	<-slow.started
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop while a fetch was inflight")
	}

	persisted, err := h.states.Load(context.Background())
	require.NoError(t, err)
	st, ok := persisted["btc_ohlcv"]
	require.True(t, ok, "dispatch transition was flushed")
	assert.Equal(t, int64(0), st.LastRunMs)
	assert.Equal(t, int64(0), st.LastSuccessMs)
	assert.Equal(t, 0, st.ConsecutiveFailures, "aborted fetch is not recorded as a failure")
	assert.Equal(t, int64(0), st.DisabledUntilMs)
}

func TestFetchWindows(t *testing.T) {
	h := newHarness(1_000_000, Config{InitialBackfillMs: 600_000})
	require.NoError(t, h.s.RegisterTier(Tier{Name: "high_frequency", IntervalMs: 900_000}))

	rec := &runRecorder{}
	require.NoError(t, h.s.Register(Task{
		ID: "btc_ohlcv", Tier: "high_frequency", SeriesID: "btc:ohlcv", Run: rec.run(h.clk),
	}))
	h.start(t)

	waitFor(t, func() bool { return rec.count() == 1 }, "first run")
	assert.Equal(t, collect.Window{LoMs: 400_000, HiMs: 1_000_000}, rec.window(0),
		"empty series reaches back by the initial backfill")

	_, err := h.obs.Put(context.Background(), []market.Observation{
		market.NewOHLCV("btc:ohlcv", 1_000_000, 100, 101, 99, 100, 1),
	})
	require.NoError(t, err)

	h.parked(t)
	h.clk.SetMs(1_900_000)
	waitFor(t, func() bool { return rec.count() == 2 }, "second run")
	assert.Equal(t, collect.Window{LoMs: 1_000_000, HiMs: 1_900_000}, rec.window(1),
		"window resumes from the newest stored timestamp")
}

func TestCollectorTaskAppendsAndDedups(t *testing.T) {
	h := newHarness(600_000, Config{InitialBackfillMs: 300_000})
	require.NoError(t, h.s.RegisterTier(Tier{Name: "high_frequency", IntervalMs: 180_000}))

	col := collect.Collector{
		TaskID:     "btc_ohlcv",
		SeriesID:   "btc:ohlcv",
		Tier:       "high_frequency",
		ProviderID: "synthetic",
		Fetch:      collect.NewSyntheticOHLCV("btc:ohlcv", collect.SyntheticConfig{}),
	}
	require.NoError(t, h.s.Register(CollectorTask(col, h.obs, h.met, zerolog.Nop())))
	h.start(t)

	waitFor(t, func() bool {
		ti, ok := h.info("btc_ohlcv")
		return ok && ti.LastSuccessMs == 600_000
	}, "first collection")

	rows, err := h.obs.Range(context.Background(), "btc:ohlcv", 1, 10_000_000)
	require.NoError(t, err)
	require.Len(t, rows, 6, "bars on the minute grid from 300000 through 600000")
	assert.Equal(t, int64(300_000), rows[0].Timestamp)
	assert.Equal(t, int64(600_000), rows[len(rows)-1].Timestamp)

	h.parked(t)
	h.clk.SetMs(780_000)
	waitFor(t, func() bool {
		ti, ok := h.info("btc_ohlcv")
		return ok && ti.LastSuccessMs == 780_000
	}, "second collection")

	rows, err = h.obs.Range(context.Background(), "btc:ohlcv", 1, 10_000_000)
	require.NoError(t, err)
	require.Len(t, rows, 9, "overlapping boundary bar deduplicated")
	assert.Equal(t, int64(780_000), rows[len(rows)-1].Timestamp)
}

func TestRegistrationValidation(t *testing.T) {
	h := newHarness(0, Config{})
	require.NoError(t, h.s.RegisterTier(Tier{Name: "hourly", IntervalMs: 3_600_000}))

	t.Run("duplicate tier", func(t *testing.T) {
		assert.Error(t, h.s.RegisterTier(Tier{Name: "hourly", IntervalMs: 60_000}))
	})
	t.Run("tier without interval", func(t *testing.T) {
		assert.Error(t, h.s.RegisterTier(Tier{Name: "broken"}))
	})
	t.Run("unknown tier", func(t *testing.T) {
		err := h.s.Register(Task{ID: "x", Tier: "ghost", Run: func(context.Context, collect.Window) collect.FetchResult {
			return collect.Ok(nil)
		}})
		assert.ErrorContains(t, err, "unknown tier")
	})
	t.Run("nil body", func(t *testing.T) {
		assert.Error(t, h.s.Register(Task{ID: "x", Tier: "hourly"}))
	})
	t.Run("duplicate task", func(t *testing.T) {
		ok := func(context.Context, collect.Window) collect.FetchResult { return collect.Ok(nil) }
		require.NoError(t, h.s.Register(Task{ID: "eth_ohlcv", Tier: "hourly", Run: ok}))
		assert.Error(t, h.s.Register(Task{ID: "eth_ohlcv", Tier: "hourly", Run: ok}))
	})
	t.Run("task inherits tier interval", func(t *testing.T) {
		ok := func(context.Context, collect.Window) collect.FetchResult { return collect.Ok(nil) }
		require.NoError(t, h.s.Register(Task{ID: "sol_ohlcv", Tier: "hourly", Run: ok}))
		ti, found := h.info("sol_ohlcv")
		require.True(t, found)
		assert.Equal(t, int64(3_600_000), ti.IntervalMs)
	})
}

// Package health assembles the pipeline's liveness report: series
// freshness from the observation store, scheduler tick age, task
// disablement, dispatcher queue fill, breaker states, rate budget and
// cache occupancy. The report is what /health serves and what
// operators alert on.
package health

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftline/driftline/internal/alerts"
	"github.com/driftline/driftline/internal/cache"
	"github.com/driftline/driftline/internal/clock"
	"github.com/driftline/driftline/internal/ratelimit"
	"github.com/driftline/driftline/internal/sched"
	"github.com/driftline/driftline/internal/store"
)

// Statuses, ordered by severity.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusDown     = "down"
)

// SchedulerInfo is the slice of the scheduler the reporter reads.
type SchedulerInfo interface {
	Snapshot() []sched.TaskInfo
	LastTickMs() int64
}

// DispatcherInfo is the slice of the dispatcher the reporter reads.
type DispatcherInfo interface {
	Depth() int
	Capacity() int
	Stats() map[string]alerts.ChannelStats
}

// BreakerInfo exposes per-provider circuit breaker states.
type BreakerInfo interface {
	States() map[string]string
}

// BudgetInfo exposes per-provider rate budget occupancy.
type BudgetInfo interface {
	Stats() map[string]ratelimit.Stats
}

// CacheInfo exposes read-through cache counters.
type CacheInfo interface {
	Stats() cache.Stats
}

// Config tunes when the report degrades.
type Config struct {
	// StaleAfterMs flags a series whose newest observation is older.
	StaleAfterMs int64
	// SchedulerStallMs flags a loop that has not ticked for this long.
	SchedulerStallMs int64
	// QueueHighWater flags the dispatcher queue at this fill fraction.
	QueueHighWater float64
}

func (c Config) withDefaults() Config {
	if c.StaleAfterMs <= 0 {
		c.StaleAfterMs = int64(2 * time.Hour / time.Millisecond)
	}
	if c.SchedulerStallMs <= 0 {
		c.SchedulerStallMs = 30_000
	}
	if c.QueueHighWater <= 0 || c.QueueHighWater > 1 {
		c.QueueHighWater = 0.8
	}
	return c
}

// SeriesStatus is one series' freshness.
type SeriesStatus struct {
	Count    int64 `json:"count"`
	LatestTs int64 `json:"latest_ts"`
	AgeMs    int64 `json:"age_ms"`
	Stale    bool  `json:"stale"`
}

// SchedulerStatus summarizes the loop and its tasks.
type SchedulerStatus struct {
	LastTickMs int64 `json:"last_tick_ms"`
	TickAgeMs  int64 `json:"tick_age_ms"`
	Stalled    bool  `json:"stalled"`
	Tasks      int   `json:"tasks"`
	Disabled   int   `json:"disabled"`
	Inflight   int   `json:"inflight"`
}

// QueueStatus is the dispatcher main queue fill.
type QueueStatus struct {
	Depth    int  `json:"depth"`
	Capacity int  `json:"capacity"`
	High     bool `json:"high"`
}

// Report is the full health document.
type Report struct {
	Status    string                         `json:"status"`
	AtMs      int64                          `json:"at_ms"`
	Series    map[string]SeriesStatus        `json:"series"`
	Scheduler SchedulerStatus                `json:"scheduler"`
	Queue     *QueueStatus                   `json:"queue,omitempty"`
	Channels  map[string]alerts.ChannelStats `json:"channels,omitempty"`
	Breakers  map[string]string              `json:"breakers,omitempty"`
	Budgets   map[string]ratelimit.Stats     `json:"budgets,omitempty"`
	Cache     *cache.Stats                   `json:"cache,omitempty"`
	Problems  []string                       `json:"problems,omitempty"`
}

// Reporter builds Reports from the live components. Optional
// dependencies may be nil and are simply absent from the report.
type Reporter struct {
	clk        clock.Clock
	obs        store.ObservationStore
	scheduler  SchedulerInfo
	dispatcher DispatcherInfo
	breakers   BreakerInfo
	budgets    BudgetInfo
	cacheInfo  CacheInfo
	cfg        Config
	log        zerolog.Logger
}

func NewReporter(clk clock.Clock, obs store.ObservationStore, cfg Config, logger zerolog.Logger) *Reporter {
	return &Reporter{
		clk: clk,
		obs: obs,
		cfg: cfg.withDefaults(),
		log: logger.With().Str("component", "health").Logger(),
	}
}

// WithScheduler attaches the scheduler view.
func (r *Reporter) WithScheduler(s SchedulerInfo) *Reporter { r.scheduler = s; return r }

// WithDispatcher attaches the dispatcher view.
func (r *Reporter) WithDispatcher(d DispatcherInfo) *Reporter { r.dispatcher = d; return r }

// WithBreakers attaches the provider guard view.
func (r *Reporter) WithBreakers(b BreakerInfo) *Reporter { r.breakers = b; return r }

// WithBudgets attaches the rate budget view.
func (r *Reporter) WithBudgets(b BudgetInfo) *Reporter { r.budgets = b; return r }

// WithCache attaches the read-through cache view.
func (r *Reporter) WithCache(c CacheInfo) *Reporter { r.cacheInfo = c; return r }

// Report assembles the current health document. A store error marks
// the report down; everything else degrades at worst.
func (r *Reporter) Report(ctx context.Context) Report {
	now := r.clk.NowMs()
	rep := Report{
		Status: StatusOK,
		AtMs:   now,
		Series: map[string]SeriesStatus{},
	}
	degrade := func(problem string) {
		rep.Problems = append(rep.Problems, problem)
		if rep.Status == StatusOK {
			rep.Status = StatusDegraded
		}
	}

	seriesHealth, err := r.obs.Health(ctx)
	if err != nil {
		rep.Status = StatusDown
		rep.Problems = append(rep.Problems, "observation store unavailable: "+err.Error())
		r.log.Error().Err(err).Msg("Store health query failed")
	} else {
		for id, sh := range seriesHealth {
			age := now - sh.LatestTs
			stale := sh.Count > 0 && age > r.cfg.StaleAfterMs
			rep.Series[id] = SeriesStatus{
				Count:    sh.Count,
				LatestTs: sh.LatestTs,
				AgeMs:    age,
				Stale:    stale,
			}
			if stale {
				degrade("series " + id + " is stale")
			}
		}
	}

	if r.scheduler != nil {
		tick := r.scheduler.LastTickMs()
		ss := SchedulerStatus{LastTickMs: tick}
		if tick > 0 {
			ss.TickAgeMs = now - tick
			ss.Stalled = ss.TickAgeMs > r.cfg.SchedulerStallMs
		}
		for _, ti := range r.scheduler.Snapshot() {
			ss.Tasks++
			if ti.Inflight {
				ss.Inflight++
			}
			if ti.DisabledUntilMs > now {
				ss.Disabled++
			}
		}
		rep.Scheduler = ss
		if ss.Stalled {
			rep.Problems = append(rep.Problems, "scheduler loop stalled")
			rep.Status = StatusDown
		}
		if ss.Disabled > 0 {
			degrade("tasks disabled")
		}
	}

	if r.dispatcher != nil {
		q := QueueStatus{Depth: r.dispatcher.Depth(), Capacity: r.dispatcher.Capacity()}
		if q.Capacity > 0 {
			q.High = float64(q.Depth) >= r.cfg.QueueHighWater*float64(q.Capacity)
		}
		rep.Queue = &q
		rep.Channels = r.dispatcher.Stats()
		if q.High {
			degrade("notification queue near capacity")
		}
	}

	if r.breakers != nil {
		rep.Breakers = r.breakers.States()
		for provider, state := range rep.Breakers {
			if state == "open" {
				degrade("breaker open for provider " + provider)
			}
		}
	}

	if r.budgets != nil {
		rep.Budgets = r.budgets.Stats()
	}
	if r.cacheInfo != nil {
		stats := r.cacheInfo.Stats()
		rep.Cache = &stats
	}
	return rep
}

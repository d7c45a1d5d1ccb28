// Package sched runs the multi-tier collection schedule. A single loop
// owns every TaskState: it decides eligibility, dispatches task bodies
// onto bounded per-tier pools, and applies the outcome transitions the
// workers report back over a channel. Workers never touch state.
package sched

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftline/driftline/internal/clock"
	"github.com/driftline/driftline/internal/collect"
	"github.com/driftline/driftline/internal/metrics"
	"github.com/driftline/driftline/internal/ratelimit"
	"github.com/driftline/driftline/internal/store"
)

// Tier is one scheduling cadence. Tiers are data: adding one is
// configuration, not code.
type Tier struct {
	Name string
	// IntervalMs is the nominal cadence for member tasks.
	IntervalMs int64
	// MaxParallel bounds the tier's worker pool. Zero means 1.
	MaxParallel int
}

// RunFunc is the body of a scheduled task. The window is zero for
// tasks without a backing series.
type RunFunc func(ctx context.Context, w collect.Window) collect.FetchResult

// Task is one scheduled unit of work. Register everything before Run.
type Task struct {
	ID   string
	Tier string
	// ProviderID selects the rate budget. Empty means unbudgeted.
	ProviderID string
	// SeriesID, when set, derives the fetch window from the store's
	// latest timestamp for that series.
	SeriesID string
	// IntervalMs overrides the tier cadence when nonzero.
	IntervalMs int64
	Run        RunFunc
}

// Config tunes the scheduler loop.
type Config struct {
	// MaxBackoffMs caps the transient-failure backoff.
	MaxBackoffMs int64 `yaml:"max_backoff_ms" json:"max_backoff_ms"`
	// InitialBackfillMs is how far back the first fetch of an empty
	// series reaches.
	InitialBackfillMs int64 `yaml:"initial_backfill_ms" json:"initial_backfill_ms"`
	// MaxSleepMs bounds how long the loop sleeps between wakes.
	MaxSleepMs int64 `yaml:"max_sleep_ms" json:"max_sleep_ms"`
	// JitterSeed makes backoff jitter reproducible. Zero seeds from the
	// clock.
	JitterSeed int64 `yaml:"-" json:"-"`
}

const (
	defaultMaxBackoffMs      = 6 * 60 * 60 * 1000
	defaultInitialBackfillMs = 24 * 60 * 60 * 1000
	defaultMaxSleepMs        = 30 * 1000
)

func (c Config) withDefaults() Config {
	if c.MaxBackoffMs <= 0 {
		c.MaxBackoffMs = defaultMaxBackoffMs
	}
	if c.InitialBackfillMs <= 0 {
		c.InitialBackfillMs = defaultInitialBackfillMs
	}
	if c.MaxSleepMs <= 0 {
		c.MaxSleepMs = defaultMaxSleepMs
	}
	return c
}

type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeDeferred
	outcomeTransient
	outcomeFatal
	outcomeCancelled
)

func (k outcomeKind) String() string {
	switch k {
	case outcomeSuccess:
		return "success"
	case outcomeDeferred:
		return "deferred"
	case outcomeTransient:
		return "transient"
	case outcomeFatal:
		return "fatal"
	case outcomeCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("outcomeKind(%d)", int(k))
	}
}

// outcome is what a worker reports back to the loop.
type outcome struct {
	taskID  string
	startMs int64
	kind    outcomeKind
	count   int
	err     error
}

type task struct {
	def      Task
	state    store.TaskState
	inflight bool
	// succeeded gates the cadence term of nextEligibleMs. LastSuccessMs
	// alone cannot distinguish "never succeeded" from a run that landed
	// at instant zero.
	succeeded bool
}

// nextEligibleMs is the earliest instant the task may run again:
// max(last_run, last_success + interval, disabled_until).
func (t *task) nextEligibleMs() int64 {
	next := t.state.LastRunMs
	if t.succeeded {
		if v := t.state.LastSuccessMs + t.state.IntervalMs; v > next {
			next = v
		}
	}
	if t.state.DisabledUntilMs > next {
		next = t.state.DisabledUntilMs
	}
	return next
}

// TaskInfo is a point-in-time view of one task for the health and
// tasks endpoints.
type TaskInfo struct {
	store.TaskState
	Inflight       bool  `json:"inflight"`
	NextEligibleMs int64 `json:"next_eligible_ms"`
}

// Scheduler dispatches registered tasks at their tier cadence with
// resumable state, per-provider budgets and failure backoff.
type Scheduler struct {
	clk     clock.Clock
	obs     store.ObservationStore
	states  store.TaskStateStore
	budgets *ratelimit.Manager
	met     *metrics.Registry
	cfg     Config
	log     zerolog.Logger

	tiers map[string]Tier
	slots map[string]chan struct{}
	tasks []*task
	byID  map[string]*task
	order []string

	results chan outcome
	rng     *rand.Rand

	mu     sync.RWMutex
	infos  map[string]TaskInfo
	tickMs int64
}

func New(clk clock.Clock, observations store.ObservationStore, states store.TaskStateStore,
	budgets *ratelimit.Manager, met *metrics.Registry, cfg Config, logger zerolog.Logger) *Scheduler {
	cfg = cfg.withDefaults()
	seed := cfg.JitterSeed
	if seed == 0 {
		seed = clk.NowMs()
	}
	return &Scheduler{
		clk:     clk,
		obs:     observations,
		states:  states,
		budgets: budgets,
		met:     met,
		cfg:     cfg,
		log:     logger.With().Str("component", "scheduler").Logger(),
		tiers:   make(map[string]Tier),
		slots:   make(map[string]chan struct{}),
		byID:    make(map[string]*task),
		rng:     rand.New(rand.NewSource(seed)),
		infos:   make(map[string]TaskInfo),
	}
}

// RegisterTier installs a tier. Registering the same name twice is a
// wiring bug.
func (s *Scheduler) RegisterTier(t Tier) error {
	if t.Name == "" {
		return errors.New("sched: tier name is empty")
	}
	if t.IntervalMs <= 0 {
		return fmt.Errorf("sched: tier %s: interval must be positive", t.Name)
	}
	if t.MaxParallel <= 0 {
		t.MaxParallel = 1
	}
	if _, ok := s.tiers[t.Name]; ok {
		return fmt.Errorf("sched: tier %s registered twice", t.Name)
	}
	s.tiers[t.Name] = t
	s.slots[t.Name] = make(chan struct{}, t.MaxParallel)
	return nil
}

// Register installs a task into a previously registered tier.
func (s *Scheduler) Register(def Task) error {
	if def.ID == "" {
		return errors.New("sched: task id is empty")
	}
	if def.Run == nil {
		return fmt.Errorf("sched: task %s: nil run func", def.ID)
	}
	if def.IntervalMs < 0 {
		return fmt.Errorf("sched: task %s: negative interval", def.ID)
	}
	tier, ok := s.tiers[def.Tier]
	if !ok {
		return fmt.Errorf("sched: task %s: unknown tier %q", def.ID, def.Tier)
	}
	if _, ok := s.byID[def.ID]; ok {
		return fmt.Errorf("sched: task %s registered twice", def.ID)
	}
	if def.IntervalMs == 0 {
		def.IntervalMs = tier.IntervalMs
	}

	t := &task{
		def: def,
		state: store.TaskState{
			TaskID:     def.ID,
			Tier:       def.Tier,
			IntervalMs: def.IntervalMs,
		},
	}
	s.tasks = append(s.tasks, t)
	s.byID[def.ID] = t
	s.order = append(s.order, def.ID)
	s.publish(t)
	return nil
}

// Run drives the schedule until ctx is cancelled. It restores
// persisted task state, then alternates between dispatching whatever
// is eligible and waiting for the nearest next-eligible instant or a
// worker result. Returns nil on clean shutdown.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.restore(ctx); err != nil {
		return err
	}
	s.results = make(chan outcome, s.totalSlots()+1)
	s.log.Info().Int("tasks", len(s.tasks)).Int("tiers", len(s.tiers)).Msg("Scheduler starting")

	for ctx.Err() == nil {
		now := s.clk.NowMs()
		s.setTick(now)
		s.dispatchEligible(ctx, now)
		s.wait(ctx, now)
	}

	s.shutdown()
	return nil
}

// restore folds persisted timing state into the registered tasks.
// Tier and interval always come from the current registration, so a
// config change wins over whatever was on disk.
func (s *Scheduler) restore(ctx context.Context) error {
	persisted, err := s.states.Load(ctx)
	if err != nil {
		return fmt.Errorf("sched: load task state: %w", err)
	}
	restored := 0
	for _, t := range s.tasks {
		st, ok := persisted[t.def.ID]
		if !ok {
			continue
		}
		t.state.LastRunMs = st.LastRunMs
		t.state.LastSuccessMs = st.LastSuccessMs
		t.state.ConsecutiveFailures = st.ConsecutiveFailures
		t.state.DisabledUntilMs = st.DisabledUntilMs
		t.succeeded = st.LastSuccessMs > 0
		s.publish(t)
		restored++
	}
	if restored > 0 {
		s.log.Info().Int("restored", restored).Msg("Task state restored")
	}
	return nil
}

func (s *Scheduler) dispatchEligible(ctx context.Context, now int64) {
	for _, t := range s.tasks {
		if t.inflight || t.state.Disabled() {
			continue
		}
		if t.nextEligibleMs() > now {
			continue
		}
		select {
		case s.slots[t.def.Tier] <- struct{}{}:
		default:
			// Pool full. The task stays eligible; a finishing worker
			// wakes the loop for another pass.
			continue
		}

		t.inflight = true
		t.state.LastRunMs = now
		s.persist(ctx, t.state)
		s.publish(t)
		s.log.Debug().Str("task", t.def.ID).Str("tier", t.def.Tier).Int64("start_ms", now).Msg("Task dispatched")
		go s.worker(ctx, t.def, now)
	}
}

// nextWake is the earliest next-eligible instant across idle tasks, or
// -1 when nothing is schedulable.
func (s *Scheduler) nextWake() int64 {
	next := int64(-1)
	for _, t := range s.tasks {
		if t.inflight || t.state.Disabled() {
			continue
		}
		e := t.nextEligibleMs()
		if next < 0 || e < next {
			next = e
		}
	}
	return next
}

// wait parks the loop until the next eligible instant, a worker
// result, or cancellation. An eligible task blocked on a full pool
// makes the wait result-only: a worker must finish before anything can
// change.
func (s *Scheduler) wait(ctx context.Context, now int64) {
	next := s.nextWake()
	if next >= 0 && next <= now {
		select {
		case <-ctx.Done():
		case out := <-s.results:
			s.apply(ctx, out)
			s.drainResults(ctx)
		}
		return
	}

	waitMs := s.cfg.MaxSleepMs
	if next > now && next-now < waitMs {
		waitMs = next - now
	}

	sleepCtx, cancelSleep := context.WithCancel(ctx)
	sleepDone := make(chan error, 1)
	go func() { sleepDone <- s.clk.Sleep(sleepCtx, time.Duration(waitMs)*time.Millisecond) }()

	select {
	case <-ctx.Done():
		cancelSleep()
		<-sleepDone
	case out := <-s.results:
		cancelSleep()
		<-sleepDone
		s.apply(ctx, out)
		s.drainResults(ctx)
	case <-sleepDone:
		cancelSleep()
	}
}

func (s *Scheduler) drainResults(ctx context.Context) {
	for {
		select {
		case out := <-s.results:
			s.apply(ctx, out)
		default:
			return
		}
	}
}

// worker runs one dispatched task body: budget, window, fetch. It
// reports exactly one outcome. The pool slot is released before the
// outcome is sent: the loop's dispatch pass after applying an outcome
// must observe the slot free, or an eligible task could park the loop
// on a results channel nothing will ever write to.
func (s *Scheduler) worker(ctx context.Context, def Task, startMs int64) {
	timer := s.met.StartFetchTimer(def.ID)
	out := outcome{taskID: def.ID, startMs: startMs}
	defer func() {
		timer.Stop(out.kind.String())
		<-s.slots[def.Tier]
		s.results <- out
	}()

	deadline := startMs + def.IntervalMs/2
	if err := s.budgets.Acquire(ctx, def.ProviderID, 1, deadline); err != nil {
		var deferred *ratelimit.DeferredError
		switch {
		case errors.As(err, &deferred):
			out.kind, out.err = outcomeDeferred, err
		case ctx.Err() != nil:
			out.kind, out.err = outcomeCancelled, ctx.Err()
		default:
			out.kind, out.err = outcomeTransient, err
		}
		return
	}

	w, err := s.window(ctx, def)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			out.kind, out.err = outcomeCancelled, ctx.Err()
		case store.IsFatal(err):
			out.kind, out.err = outcomeFatal, err
		default:
			out.kind, out.err = outcomeTransient, err
		}
		return
	}

	res := def.Run(ctx, w)
	out.count = len(res.Observations())
	switch {
	case ctx.Err() != nil && res.Kind() != collect.ResultOk:
		// A fetch aborted by shutdown is not a provider failure.
		out.kind, out.err = outcomeCancelled, ctx.Err()
	case res.Kind() == collect.ResultOk:
		out.kind = outcomeSuccess
	case res.Kind() == collect.ResultFatal:
		out.kind, out.err = outcomeFatal, res.Err()
	default:
		out.kind, out.err = outcomeTransient, res.Err()
	}
}

// window computes the fetch bounds for a series-backed task: from the
// newest stored timestamp (the store deduplicates the overlap) or the
// initial backfill horizon, up to now.
func (s *Scheduler) window(ctx context.Context, def Task) (collect.Window, error) {
	if def.SeriesID == "" {
		return collect.Window{}, nil
	}
	hi := s.clk.NowMs()
	lo := hi - s.cfg.InitialBackfillMs
	ts, ok, err := s.obs.LatestTimestamp(ctx, def.SeriesID)
	if err != nil {
		return collect.Window{}, err
	}
	if ok {
		lo = ts
	}
	return collect.Window{LoMs: lo, HiMs: hi}, nil
}

// apply folds one worker outcome into the task state. All transition
// arithmetic is anchored at the dispatch instant so results are
// deterministic no matter when the loop drains them.
func (s *Scheduler) apply(ctx context.Context, out outcome) {
	t, ok := s.byID[out.taskID]
	if !ok {
		return
	}
	t.inflight = false
	s.met.RecordDispatch(t.def.Tier, out.kind.String())

	switch out.kind {
	case outcomeSuccess:
		t.state.LastSuccessMs = out.startMs
		t.state.ConsecutiveFailures = 0
		t.state.DisabledUntilMs = 0
		t.succeeded = true
		s.log.Debug().Str("task", out.taskID).Int("observations", out.count).Msg("Task succeeded")
	case outcomeDeferred:
		t.state.DisabledUntilMs = out.startMs + t.state.IntervalMs
		s.log.Info().Str("task", out.taskID).Int64("retry_ms", t.state.DisabledUntilMs).
			Msg("Budget exhausted, deferred to next cycle")
	case outcomeTransient:
		t.state.ConsecutiveFailures++
		backoff := s.backoffMs(t.state.IntervalMs, t.state.ConsecutiveFailures)
		t.state.DisabledUntilMs = out.startMs + backoff
		s.log.Warn().Str("task", out.taskID).Int("failures", t.state.ConsecutiveFailures).
			Int64("backoff_ms", backoff).Err(out.err).Msg("Task failed, backing off")
	case outcomeFatal:
		t.state.DisabledUntilMs = store.DisabledForever
		s.log.Error().Str("task", out.taskID).Err(out.err).Msg("Task disabled until operator intervention")
	case outcomeCancelled:
		// The dispatch itself was the last completed transition; keep
		// its persisted state untouched.
		s.log.Debug().Str("task", out.taskID).Msg("Task aborted by shutdown")
		s.publish(t)
		return
	}

	s.met.TasksDisabled.Set(float64(s.disabledCount()))
	s.persist(ctx, t.state)
	s.publish(t)
}

// backoffMs doubles the interval per consecutive failure, caps it,
// then jitters by +-25% so a burst of failing tasks does not march in
// lockstep.
func (s *Scheduler) backoffMs(intervalMs int64, failures int) int64 {
	base := intervalMs
	for i := 0; i < failures && base < s.cfg.MaxBackoffMs; i++ {
		base *= 2
	}
	if base > s.cfg.MaxBackoffMs {
		base = s.cfg.MaxBackoffMs
	}
	jittered := int64(float64(base) * (0.75 + 0.5*s.rng.Float64()))
	if jittered > s.cfg.MaxBackoffMs {
		jittered = s.cfg.MaxBackoffMs
	}
	return jittered
}

func (s *Scheduler) persist(ctx context.Context, st store.TaskState) {
	if err := s.states.Save(ctx, st); err != nil {
		s.log.Warn().Str("task", st.TaskID).Err(err).Msg("Task state save failed")
	}
}

// shutdown waits for every inflight worker, applies what they report,
// and flushes all task state. The flush runs on a background context:
// the cancellation that stopped the loop must not abort it.
func (s *Scheduler) shutdown() {
	for s.inflightCount() > 0 {
		out := <-s.results
		s.apply(context.Background(), out)
	}

	flush := make([]store.TaskState, 0, len(s.tasks))
	for _, t := range s.tasks {
		flush = append(flush, t.state)
	}
	if err := s.states.SaveAll(context.Background(), flush); err != nil {
		s.log.Error().Err(err).Msg("Task state flush failed")
		return
	}
	s.log.Info().Int("tasks", len(flush)).Msg("Scheduler stopped, task state flushed")
}

func (s *Scheduler) inflightCount() int {
	n := 0
	for _, t := range s.tasks {
		if t.inflight {
			n++
		}
	}
	return n
}

func (s *Scheduler) disabledCount() int {
	n := 0
	for _, t := range s.tasks {
		if t.state.Disabled() {
			n++
		}
	}
	return n
}

func (s *Scheduler) totalSlots() int {
	n := 0
	for _, tier := range s.tiers {
		n += tier.MaxParallel
	}
	return n
}

func (s *Scheduler) publish(t *task) {
	info := TaskInfo{
		TaskState:      t.state,
		Inflight:       t.inflight,
		NextEligibleMs: t.nextEligibleMs(),
	}
	s.mu.Lock()
	s.infos[t.def.ID] = info
	s.mu.Unlock()
}

func (s *Scheduler) setTick(ms int64) {
	s.mu.Lock()
	s.tickMs = ms
	s.mu.Unlock()
}

// Snapshot returns every task's current state in registration order.
func (s *Scheduler) Snapshot() []TaskInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TaskInfo, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.infos[id])
	}
	return out
}

// LastTickMs reports when the loop last evaluated the schedule. Health
// checks treat a stale tick as a stalled scheduler.
func (s *Scheduler) LastTickMs() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tickMs
}

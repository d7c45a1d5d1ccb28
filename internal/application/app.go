// Package application assembles the pipeline from configuration:
// stores, provider guards, collectors, the strategy cycle, alert
// fan-out and the status server, all driven by one scheduler. The
// wiring lives here so main stays a thin flag-and-config shell.
package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftline/driftline/internal/alerts"
	"github.com/driftline/driftline/internal/cache"
	"github.com/driftline/driftline/internal/clock"
	"github.com/driftline/driftline/internal/collect"
	"github.com/driftline/driftline/internal/config"
	"github.com/driftline/driftline/internal/health"
	httpapi "github.com/driftline/driftline/internal/interfaces/http"
	"github.com/driftline/driftline/internal/metrics"
	"github.com/driftline/driftline/internal/providers"
	"github.com/driftline/driftline/internal/ratelimit"
	"github.com/driftline/driftline/internal/sched"
	"github.com/driftline/driftline/internal/signal"
	"github.com/driftline/driftline/internal/store"
	"github.com/driftline/driftline/internal/store/memory"
	"github.com/driftline/driftline/internal/store/postgres"
	"github.com/driftline/driftline/internal/store/statefile"
	"github.com/driftline/driftline/internal/strategy"
)

// signalCycleTaskID names the scheduled task that runs the strategy
// cycle. It shares the task-state machinery with the collectors, so a
// persistently failing cycle backs off and disables like any fetch.
const signalCycleTaskID = "signal_cycle"

// Options carries everything New needs. A nil Clock means wall time.
type Options struct {
	Config  config.Config
	Profile config.Profile
	Clock   clock.Clock
	Logger  zerolog.Logger
}

// App owns every long-lived component and the order they start in.
type App struct {
	cfg     config.Config
	profile config.Profile
	clk     clock.Clock
	log     zerolog.Logger

	met        *metrics.Registry
	pg         *postgres.Manager
	obs        store.ObservationStore
	states     store.TaskStateStore
	cached     *cache.ReadThroughStore
	budgets    *ratelimit.Manager
	guard      *providers.Guard
	collectors *collect.Registry
	runner     *strategy.Runner
	aggregator *signal.Aggregator
	history    *signal.History
	emitter    *alerts.Emitter
	dispatcher *alerts.Dispatcher
	scheduler  *sched.Scheduler
	reporter   *health.Reporter
	server     *httpapi.Server
	hub        *alerts.WSHub

	closers []func() error
}

// New validates the configuration and wires the full pipeline. It
// dials external backends (postgres, redis) but starts nothing; Run
// does that. A non-nil error leaves nothing to clean up.
func New(opts Options) (*App, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("app: config: %w", err)
	}
	if err := opts.Profile.Validate(); err != nil {
		return nil, fmt.Errorf("app: profile: %w", err)
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.NewSystem()
	}
	a := &App{
		cfg:     opts.Config,
		profile: opts.Profile,
		clk:     clk,
		log:     opts.Logger,
		met:     metrics.NewRegistry(),
	}

	steps := []struct {
		name string
		fn   func() error
	}{
		{"stores", a.wireStores},
		{"providers", a.wireProviders},
		{"collectors", a.wireCollectors},
		{"signals", a.wireSignals},
		{"alerts", a.wireAlerts},
		{"scheduler", a.wireScheduler},
		{"surface", a.wireSurface},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: wire %s: %w", step.name, err)
		}
	}
	return a, nil
}

func (a *App) wireStores() error {
	sc := a.cfg.Store
	if sc.Postgres.Enabled {
		mgr, err := postgres.NewManager(sc.Postgres.Build())
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		a.pg = mgr
		a.obs = mgr.Observations()
		a.states = mgr.TaskStates()
		a.closers = append(a.closers, mgr.Close)
		a.log.Info().Msg("Observation store: postgres")
	} else {
		a.obs = memory.NewObservationStore()
		if sc.StateFile != "" {
			a.states = statefile.New(sc.StateFile)
		} else {
			a.states = memory.NewTaskStateStore()
		}
		a.log.Info().Str("state_file", sc.StateFile).Msg("Observation store: memory")
	}

	var backend cache.Cache
	switch a.cfg.Cache.Backend {
	case "none":
		return nil
	case "memory":
		backend = cache.NewMemory(a.clk)
	case "redis":
		r, err := cache.NewRedis(a.cfg.Cache.Redis.BuildCache())
		if err != nil {
			return fmt.Errorf("redis cache: %w", err)
		}
		backend = r
		a.closers = append(a.closers, r.Close)
	}
	rt := cache.NewReadThroughStore(a.obs, backend, a.cfg.Cache.LatestTTLMs, a.cfg.Cache.HealthTTLMs, a.log).
		WithMetrics(a.met)
	a.obs = rt
	a.cached = rt
	a.log.Info().Str("backend", a.cfg.Cache.Backend).Msg("Read-through cache enabled")
	return nil
}

func (a *App) wireProviders() error {
	a.budgets = ratelimit.NewManager(a.clk)
	for provider, rc := range a.cfg.Providers.RateBudgets {
		if err := a.budgets.Configure(provider, rc); err != nil {
			return fmt.Errorf("rate budget %s: %w", provider, err)
		}
	}
	a.guard = providers.NewGuard(a.cfg.Providers.Defaults, a.log).WithMetrics(a.met)
	for provider, bc := range a.cfg.Providers.Breakers {
		if err := a.guard.Configure(provider, bc); err != nil {
			return fmt.Errorf("breaker %s: %w", provider, err)
		}
	}
	return nil
}

func (a *App) wireCollectors() error {
	a.collectors = collect.NewRegistry()
	for _, cc := range a.cfg.Collectors {
		fetch, err := cc.Source.Fetch(cc.SeriesID)
		if err != nil {
			return fmt.Errorf("collector %s: %w", cc.TaskID, err)
		}
		if cc.ProviderID != "" {
			fetch = a.guard.Wrap(cc.ProviderID, fetch)
		}
		err = a.collectors.Register(collect.Collector{
			TaskID:     cc.TaskID,
			SeriesID:   cc.SeriesID,
			Tier:       cc.Tier,
			ProviderID: cc.ProviderID,
			IntervalMs: cc.IntervalMs,
			Fetch:      fetch,
		})
		if err != nil {
			return fmt.Errorf("collector %s: %w", cc.TaskID, err)
		}
	}
	return nil
}

func (a *App) wireSignals() error {
	reg, err := strategy.BuildRegistry(a.profile.Strategies)
	if err != nil {
		return fmt.Errorf("strategies: %w", err)
	}
	a.runner, err = strategy.NewRunner(a.obs, reg, a.profile.Enabled, strategy.RunnerConfig{
		MaxConcurrent: a.cfg.SignalCycle.MaxConcurrent,
		MaxPosition:   a.cfg.Aggregation.MaxPosition,
	}, a.log)
	if err != nil {
		return fmt.Errorf("runner: %w", err)
	}
	aggCfg := a.cfg.Aggregation.Build(a.profile.Weights, a.profile.Validation.WeightSumTolerance)
	a.aggregator, err = signal.NewAggregator(aggCfg, a.profile.Enabled, a.log)
	if err != nil {
		return fmt.Errorf("aggregator: %w", err)
	}
	a.history = signal.NewHistory(0)
	return nil
}

func (a *App) wireAlerts() error {
	em, err := alerts.NewEmitter(a.cfg.Alerts.Dir, a.cfg.Aggregation.EmitThreshold, a.clk, a.met, a.log)
	if err != nil {
		return fmt.Errorf("emitter: %w", err)
	}
	a.emitter = em
	a.dispatcher = alerts.NewDispatcher(a.clk, a.met, a.cfg.Notifications.Dispatcher, a.log)
	for _, cc := range a.cfg.Notifications.Channels {
		ch, err := a.buildChannel(cc)
		if err != nil {
			return fmt.Errorf("channel %s: %w", cc.ID, err)
		}
		if err := a.dispatcher.Register(ch, cc.Options); err != nil {
			return fmt.Errorf("channel %s: %w", cc.ID, err)
		}
	}
	return nil
}

func (a *App) buildChannel(cc config.ChannelConfig) (alerts.Channel, error) {
	filter, err := cc.Filter.Compile()
	if err != nil {
		return nil, err
	}
	switch cc.Kind {
	case config.ChannelLog:
		return alerts.NewLogChannel(cc.ID, filter, a.log), nil
	case config.ChannelDiscord:
		return alerts.NewDiscordChannel(cc.ID, alerts.DiscordConfig{
			WebhookURL: cc.WebhookURL,
			Username:   cc.Username,
			AvatarURL:  cc.AvatarURL,
		}, filter, a.log)
	case config.ChannelTelegram:
		return alerts.NewTelegramChannel(cc.ID, alerts.TelegramConfig{
			BotToken: cc.BotToken,
			ChatID:   cc.ChatID,
			APIBase:  cc.APIBase,
		}, filter, a.log)
	case config.ChannelRedis:
		ch, err := alerts.NewRedisChannel(cc.ID, alerts.RedisChannelConfig{
			Addr:     cc.Redis.Addr,
			Password: cc.Redis.Password,
			DB:       cc.Redis.DB,
			Topic:    cc.Topic,
		}, filter, a.log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, ch.Close)
		return ch, nil
	case config.ChannelWebsocket:
		hub := alerts.NewWSHub(cc.ID, filter, a.met, a.log)
		// The status server exposes the first hub; further websocket
		// channels still receive deliveries but have no route.
		if a.hub == nil {
			a.hub = hub
		}
		a.closers = append(a.closers, hub.Close)
		return hub, nil
	default:
		return nil, fmt.Errorf("kind %q unknown", cc.Kind)
	}
}

func (a *App) wireScheduler() error {
	a.scheduler = sched.New(a.clk, a.obs, a.states, a.budgets, a.met, a.cfg.Scheduler.Loop, a.log)
	for _, tc := range a.cfg.Scheduler.Tiers {
		t := sched.Tier{Name: tc.Name, IntervalMs: tc.IntervalMs, MaxParallel: tc.MaxParallel}
		if err := a.scheduler.RegisterTier(t); err != nil {
			return fmt.Errorf("tier %s: %w", tc.Name, err)
		}
	}
	for _, col := range a.collectors.All() {
		if err := a.scheduler.Register(sched.CollectorTask(col, a.obs, a.met, a.log)); err != nil {
			return fmt.Errorf("task %s: %w", col.TaskID, err)
		}
	}
	cycle := sched.Task{
		ID:   signalCycleTaskID,
		Tier: a.cfg.SignalCycle.Tier,
		Run:  a.runSignalCycle,
	}
	if err := a.scheduler.Register(cycle); err != nil {
		return fmt.Errorf("task %s: %w", signalCycleTaskID, err)
	}
	return nil
}

func (a *App) wireSurface() error {
	a.reporter = health.NewReporter(a.clk, a.obs, health.Config{
		StaleAfterMs:     a.cfg.Health.StaleAfterMs,
		SchedulerStallMs: a.cfg.Health.SchedulerStallMs,
		QueueHighWater:   a.cfg.Health.QueueHighWater,
	}, a.log).
		WithScheduler(a.scheduler).
		WithDispatcher(a.dispatcher).
		WithBreakers(a.guard).
		WithBudgets(a.budgets)
	if a.cached != nil {
		a.reporter = a.reporter.WithCache(a.cached)
	}

	if !a.cfg.HTTP.Enabled {
		return nil
	}
	deps := httpapi.Deps{
		Health:  a.reporter,
		Tasks:   a.scheduler,
		Signals: a.history,
		Metrics: a.met,
	}
	if a.hub != nil {
		deps.WS = a.hub
	}
	srv, err := httpapi.NewServer(httpapi.Config{
		Host:           a.cfg.HTTP.Host,
		Port:           a.cfg.HTTP.Port,
		ReadTimeout:    time.Duration(a.cfg.HTTP.ReadTimeoutMs) * time.Millisecond,
		WriteTimeout:   time.Duration(a.cfg.HTTP.WriteTimeoutMs) * time.Millisecond,
		IdleTimeout:    time.Duration(a.cfg.HTTP.IdleTimeoutMs) * time.Millisecond,
		RequestTimeout: time.Duration(a.cfg.HTTP.RequestTimeoutMs) * time.Millisecond,
	}, deps, a.log)
	if err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	a.server = srv
	return nil
}

// runSignalCycle is the scheduled strategy pass: run every enabled
// strategy, fold the batch into aggregates, then record, persist and
// fan out each aggregate. Strategy failures are reported but do not
// fail the task; only infrastructure errors (alert writes, a full
// dispatcher queue) do, so the scheduler's backoff applies to them.
func (a *App) runSignalCycle(ctx context.Context, _ collect.Window) collect.FetchResult {
	startMs := a.clk.NowMs()
	batch, failures := a.runner.Cycle(ctx, startMs)
	for _, f := range failures {
		a.met.StrategyFailures.WithLabelValues(f.StrategyID).Inc()
		if _, err := a.emitter.EmitOperational("strategy:"+f.StrategyID, f.Err.Error(),
			map[string]any{"cycle_id": batch.CycleID}); err != nil {
			a.log.Warn().Err(err).Str("strategy", f.StrategyID).Msg("Operational alert write failed")
		}
	}
	for _, sig := range batch.Signals {
		a.met.SignalsEmitted.WithLabelValues(sig.StrategyID).Inc()
	}

	var firstErr error
	aggregates := a.aggregator.Aggregate(batch)
	for _, ag := range aggregates {
		a.met.AggregatesEmitted.WithLabelValues(string(ag.Method), string(ag.Direction)).Inc()
		a.history.Append(ag)
		if _, _, err := a.emitter.Emit(ag); err != nil {
			a.log.Error().Err(err).Str("asset", ag.AssetID).Msg("Alert write failed")
			if firstErr == nil {
				firstErr = err
			}
		}
		if err := a.dispatcher.Enqueue(ctx, ag); err != nil {
			a.log.Error().Err(err).Str("asset", ag.AssetID).Msg("Aggregate enqueue failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	a.met.CycleDuration.Observe(float64(a.clk.NowMs()-startMs) / 1000)
	for provider, st := range a.budgets.Stats() {
		a.met.SetBudgetTokens(provider, st.Tokens)
	}
	a.log.Debug().Str("cycle_id", batch.CycleID).
		Int("signals", len(batch.Signals)).
		Int("aggregates", len(aggregates)).
		Int("failures", len(failures)).
		Msg("Signal cycle finished")
	if firstErr != nil {
		return collect.TransientFailure(firstErr)
	}
	return collect.Ok(nil)
}

// Run starts the dispatcher, the scheduler and (when enabled) the
// status server, then blocks until the context is cancelled or one of
// them fails. All components are stopped before Run returns.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 3)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.dispatcher.Run(ctx); err != nil {
			errc <- fmt.Errorf("app: dispatcher: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.scheduler.Run(ctx); err != nil {
			errc <- fmt.Errorf("app: scheduler: %w", err)
		}
	}()

	if a.server != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.server.Start(); err != nil {
				errc <- fmt.Errorf("app: http: %w", err)
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ctx.Done()
			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			if err := a.server.Shutdown(shutdownCtx); err != nil {
				a.log.Warn().Err(err).Msg("Status server shutdown failed")
			}
		}()
	}

	a.log.Info().Int("collectors", a.collectors.Len()).
		Int("strategies", len(a.profile.Enabled)).
		Int("channels", len(a.cfg.Notifications.Channels)).
		Msg("driftline running")

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errc:
		runErr = err
		cancel()
	}
	wg.Wait()
	select {
	case err := <-errc:
		if runErr == nil {
			runErr = err
		}
	default:
	}
	a.log.Info().Msg("driftline stopped")
	return runErr
}

// Address reports the status server's listen address, empty until
// Run has bound the listener or when the server is disabled.
func (a *App) Address() string {
	if a.server == nil {
		return ""
	}
	return a.server.Address()
}

// Report runs one health pass. Useful for one-shot inspection without
// going through the HTTP surface.
func (a *App) Report(ctx context.Context) health.Report {
	return a.reporter.Report(ctx)
}

// Close releases external resources: store connections, redis
// channels and websocket hubs. Safe after a partial New.
func (a *App) Close() error {
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.closers = nil
	return firstErr
}

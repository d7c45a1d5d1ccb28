// Package config loads and validates the driftline configuration: one
// YAML file describing the stores, providers, scheduling tiers,
// collector tasks, strategy profile, aggregation and notification
// channels, plus a separate strategies profile file. Environment
// references of the form ${VAR} are expanded before parsing so secrets
// (DSNs, webhook URLs, bot tokens) stay out of the file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/driftline/driftline/internal/alerts"
	"github.com/driftline/driftline/internal/cache"
	"github.com/driftline/driftline/internal/collect"
	"github.com/driftline/driftline/internal/providers"
	"github.com/driftline/driftline/internal/ratelimit"
	"github.com/driftline/driftline/internal/sched"
	"github.com/driftline/driftline/internal/signal"
	"github.com/driftline/driftline/internal/store/postgres"
)

// Config is the root of the driftline configuration file.
type Config struct {
	LogLevel string `yaml:"log_level"`

	HTTP          HTTPConfig          `yaml:"http"`
	Store         StoreConfig         `yaml:"store"`
	Cache         CacheConfig         `yaml:"cache"`
	Providers     ProvidersConfig     `yaml:"providers"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Collectors    []CollectorConfig   `yaml:"collectors"`
	SignalCycle   SignalCycleConfig   `yaml:"signal_cycle"`
	Strategies    StrategiesConfig    `yaml:"strategies"`
	Aggregation   AggregationConfig   `yaml:"aggregation"`
	Alerts        AlertsConfig        `yaml:"alerts"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Health        HealthConfig        `yaml:"health"`
}

// HTTPConfig exposes the local status server. Disabled servers bind
// nothing; the pipeline itself never depends on HTTP.
type HTTPConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	ReadTimeoutMs    int64  `yaml:"read_timeout_ms"`
	WriteTimeoutMs   int64  `yaml:"write_timeout_ms"`
	IdleTimeoutMs    int64  `yaml:"idle_timeout_ms"`
	RequestTimeoutMs int64  `yaml:"request_timeout_ms"`
}

// StoreConfig selects the observation/task-state backend. Postgres is
// opt-in; without it observations live in memory and task state in the
// consolidated state file.
type StoreConfig struct {
	StateFile string         `yaml:"state_file"`
	Postgres  PostgresConfig `yaml:"postgres"`
}

// PostgresConfig mirrors postgres.Config with millisecond fields so
// the YAML stays consistent with the rest of the file.
type PostgresConfig struct {
	Enabled           bool   `yaml:"enabled"`
	DSN               string `yaml:"dsn"`
	MaxOpenConns      int    `yaml:"max_open_conns"`
	MaxIdleConns      int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMs int64  `yaml:"conn_max_lifetime_ms"`
	ConnMaxIdleTimeMs int64  `yaml:"conn_max_idle_time_ms"`
	QueryTimeoutMs    int64  `yaml:"query_timeout_ms"`
}

// Build converts to the postgres package's config.
func (p PostgresConfig) Build() postgres.Config {
	return postgres.Config{
		DSN:             p.DSN,
		MaxOpenConns:    p.MaxOpenConns,
		MaxIdleConns:    p.MaxIdleConns,
		ConnMaxLifetime: time.Duration(p.ConnMaxLifetimeMs) * time.Millisecond,
		ConnMaxIdleTime: time.Duration(p.ConnMaxIdleTimeMs) * time.Millisecond,
		QueryTimeout:    time.Duration(p.QueryTimeoutMs) * time.Millisecond,
		Enabled:         p.Enabled,
	}
}

// CacheConfig fronts store reads. Backend "none" wires the store
// directly; "memory" and "redis" interpose a read-through layer.
type CacheConfig struct {
	Backend     string          `yaml:"backend"`
	LatestTTLMs int64           `yaml:"latest_ttl_ms"`
	HealthTTLMs int64           `yaml:"health_ttl_ms"`
	Redis       RedisConnConfig `yaml:"redis"`
}

// RedisConnConfig is a Redis endpoint, shared by the cache backend and
// the redis notification channel.
type RedisConnConfig struct {
	Addr           string `yaml:"addr"`
	Password       string `yaml:"password"`
	DB             int    `yaml:"db"`
	PoolSize       int    `yaml:"pool_size"`
	DialTimeoutMs  int64  `yaml:"dial_timeout_ms"`
	ReadTimeoutMs  int64  `yaml:"read_timeout_ms"`
	WriteTimeoutMs int64  `yaml:"write_timeout_ms"`
}

// BuildCache converts to the cache package's Redis config.
func (r RedisConnConfig) BuildCache() cache.RedisConfig {
	return cache.RedisConfig{
		Addr:         r.Addr,
		Password:     r.Password,
		DB:           r.DB,
		PoolSize:     r.PoolSize,
		DialTimeout:  time.Duration(r.DialTimeoutMs) * time.Millisecond,
		ReadTimeout:  time.Duration(r.ReadTimeoutMs) * time.Millisecond,
		WriteTimeout: time.Duration(r.WriteTimeoutMs) * time.Millisecond,
	}
}

// ProvidersConfig carries per-provider rate budgets and circuit
// breaker settings. Providers absent from RateBudgets run unbudgeted;
// breakers fall back to Defaults.
type ProvidersConfig struct {
	RateBudgets map[string]ratelimit.Config `yaml:"rate_budgets"`
	Defaults    providers.Config            `yaml:"breaker_defaults"`
	Breakers    map[string]providers.Config `yaml:"breakers"`
}

// SchedulerConfig is the loop tuning plus the tier table.
type SchedulerConfig struct {
	Loop  sched.Config `yaml:",inline"`
	Tiers []TierConfig `yaml:"tiers"`
}

// TierConfig declares one cadence tier.
type TierConfig struct {
	Name        string `yaml:"name"`
	IntervalMs  int64  `yaml:"interval_ms"`
	MaxParallel int    `yaml:"max_parallel"`
}

// CollectorConfig declares one collection task.
type CollectorConfig struct {
	TaskID     string       `yaml:"task_id"`
	SeriesID   string       `yaml:"series_id"`
	Tier       string       `yaml:"tier"`
	ProviderID string       `yaml:"provider_id"`
	IntervalMs int64        `yaml:"interval_ms"`
	Source     SourceConfig `yaml:"source"`
}

// Source kinds understood by SourceConfig.
const (
	SourceSyntheticOHLCV = "synthetic_ohlcv"
	SourceSyntheticMacro = "synthetic_macro"
	SourceSyntheticBook  = "synthetic_book"
	SourceReplayOHLCV    = "replay_ohlcv"
)

// SourceConfig selects and parameterizes the fetch behind a collector.
type SourceConfig struct {
	Kind      string                  `yaml:"kind"`
	Path      string                  `yaml:"path"`
	Synthetic collect.SyntheticConfig `yaml:",inline"`
}

// Fetch builds the collect.FetchFunc this source describes.
func (s SourceConfig) Fetch(seriesID string) (collect.FetchFunc, error) {
	switch s.Kind {
	case SourceSyntheticOHLCV:
		return collect.NewSyntheticOHLCV(seriesID, s.Synthetic), nil
	case SourceSyntheticMacro:
		return collect.NewSyntheticMacro(seriesID, s.Synthetic), nil
	case SourceSyntheticBook:
		return collect.NewSyntheticBook(seriesID, s.Synthetic), nil
	case SourceReplayOHLCV:
		if s.Path == "" {
			return nil, fmt.Errorf("source kind %s needs a path", s.Kind)
		}
		return collect.NewReplayOHLCV(seriesID, s.Path), nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", s.Kind)
	}
}

// SignalCycleConfig schedules the strategy cycle as its own task.
type SignalCycleConfig struct {
	Tier          string `yaml:"tier"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// StrategiesConfig points at the strategies profile file.
type StrategiesConfig struct {
	Profile string `yaml:"profile"`
}

// AggregationConfig shapes cross-strategy consensus.
type AggregationConfig struct {
	Method              string              `yaml:"method"`
	NeutralThreshold    float64             `yaml:"neutral_threshold"`
	StrengthBreakpoints StrengthBreakpoints `yaml:"strength_breakpoints"`
	StrengthMultipliers StrengthMultipliers `yaml:"strength_multipliers"`
	BasePosition        float64             `yaml:"base_position"`
	MaxPosition         float64             `yaml:"max_position"`
	EmitThreshold       float64             `yaml:"emit_threshold"`
}

// StrengthBreakpoints bucket confidence into WEAK/MODERATE/STRONG.
type StrengthBreakpoints struct {
	WeakBelow     float64 `yaml:"weak_below"`
	ModerateBelow float64 `yaml:"moderate_below"`
}

// StrengthMultipliers scale the base position per strength bucket.
type StrengthMultipliers struct {
	Weak     float64 `yaml:"weak"`
	Moderate float64 `yaml:"moderate"`
	Strong   float64 `yaml:"strong"`
}

// Build converts to the signal package's aggregator config, binding
// the profile's strategy weights.
func (a AggregationConfig) Build(weights map[string]float64, tolerance float64) signal.AggregatorConfig {
	return signal.AggregatorConfig{
		Method:           signal.Method(a.Method),
		Weights:          weights,
		NeutralThreshold: a.NeutralThreshold,
		WeakBelow:        a.StrengthBreakpoints.WeakBelow,
		ModerateBelow:    a.StrengthBreakpoints.ModerateBelow,
		BasePosition:     a.BasePosition,
		MaxPosition:      a.MaxPosition,
		StrengthMultipliers: map[signal.Strength]float64{
			signal.Weak:     a.StrengthMultipliers.Weak,
			signal.Moderate: a.StrengthMultipliers.Moderate,
			signal.Strong:   a.StrengthMultipliers.Strong,
		},
		WeightSumTolerance: tolerance,
	}
}

// AlertsConfig places the file-based alert records.
type AlertsConfig struct {
	Dir string `yaml:"dir"`
}

// NotificationsConfig declares the dispatcher and its channels.
type NotificationsConfig struct {
	Dispatcher alerts.DispatcherConfig `yaml:",inline"`
	Channels   []ChannelConfig         `yaml:"channels"`
}

// Channel kinds understood by ChannelConfig.
const (
	ChannelLog       = "log"
	ChannelDiscord   = "discord"
	ChannelTelegram  = "telegram"
	ChannelRedis     = "redis"
	ChannelWebsocket = "websocket"
)

// ChannelConfig declares one notification channel. Kind-specific
// fields are ignored by the other kinds.
type ChannelConfig struct {
	ID      string                `yaml:"id"`
	Kind    string                `yaml:"kind"`
	Filter  alerts.FilterSpec     `yaml:"filter"`
	Options alerts.ChannelOptions `yaml:",inline"`

	// discord
	WebhookURL string `yaml:"webhook_url"`
	Username   string `yaml:"username"`
	AvatarURL  string `yaml:"avatar_url"`

	// telegram
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
	APIBase  string `yaml:"api_base"`

	// redis
	Topic string          `yaml:"topic"`
	Redis RedisConnConfig `yaml:"redis"`
}

// HealthConfig tunes the health report thresholds.
type HealthConfig struct {
	// StaleAfterMs flags a series whose newest observation is older
	// than this.
	StaleAfterMs int64 `yaml:"stale_after_ms"`
	// SchedulerStallMs flags a scheduler loop that has not ticked for
	// this long.
	SchedulerStallMs int64 `yaml:"scheduler_stall_ms"`
	// QueueHighWater flags the dispatcher queue at this fill fraction.
	QueueHighWater float64 `yaml:"queue_high_water"`
}

// Default returns the configuration used when the file omits a field.
func Default() Config {
	return Config{
		LogLevel: "info",
		HTTP: HTTPConfig{
			Enabled:          true,
			Host:             "127.0.0.1",
			Port:             8090,
			ReadTimeoutMs:    10000,
			WriteTimeoutMs:   15000,
			IdleTimeoutMs:    60000,
			RequestTimeoutMs: 10000,
		},
		Store: StoreConfig{
			StateFile: "data/task_state.json",
			Postgres: PostgresConfig{
				MaxOpenConns:      10,
				MaxIdleConns:      5,
				ConnMaxLifetimeMs: int64(30 * time.Minute / time.Millisecond),
				ConnMaxIdleTimeMs: int64(5 * time.Minute / time.Millisecond),
				QueryTimeoutMs:    30000,
			},
		},
		Cache: CacheConfig{
			Backend:     "memory",
			LatestTTLMs: 5000,
			HealthTTLMs: 5000,
		},
		Providers: ProvidersConfig{
			Defaults: providers.Config{
				FailureThreshold: 5,
				OpenForMs:        30000,
				HalfOpenMaxCalls: 1,
				CallTimeoutMs:    10000,
			},
		},
		Scheduler: SchedulerConfig{
			Loop: sched.Config{
				MaxBackoffMs:      int64(time.Hour / time.Millisecond),
				InitialBackfillMs: int64(24 * time.Hour / time.Millisecond),
				MaxSleepMs:        1000,
			},
			Tiers: []TierConfig{
				{Name: "high_frequency", IntervalMs: int64(15 * time.Minute / time.Millisecond), MaxParallel: 4},
				{Name: "hourly", IntervalMs: int64(time.Hour / time.Millisecond), MaxParallel: 2},
				{Name: "daily", IntervalMs: int64(24 * time.Hour / time.Millisecond), MaxParallel: 1},
				{Name: "signal", IntervalMs: int64(time.Hour / time.Millisecond), MaxParallel: 1},
			},
		},
		SignalCycle: SignalCycleConfig{
			Tier:          "signal",
			MaxConcurrent: 4,
		},
		Strategies: StrategiesConfig{
			Profile: "config/strategies.yaml",
		},
		Aggregation: AggregationConfig{
			Method:              string(signal.WeightedAverage),
			NeutralThreshold:    0.1,
			StrengthBreakpoints: StrengthBreakpoints{WeakBelow: 0.33, ModerateBelow: 0.66},
			StrengthMultipliers: StrengthMultipliers{Weak: 0.5, Moderate: 1.0, Strong: 1.5},
			BasePosition:        1000,
			MaxPosition:         10000,
			EmitThreshold:       0.3,
		},
		Alerts: AlertsConfig{
			Dir: "artifacts/alerts",
		},
		Notifications: NotificationsConfig{
			Dispatcher: alerts.DispatcherConfig{
				QueueCapacity:  256,
				PricePrecision: 2,
			},
		},
		Health: HealthConfig{
			StaleAfterMs:     int64(2 * time.Hour / time.Millisecond),
			SchedulerStallMs: 30000,
			QueueHighWater:   0.8,
		},
	}
}

// Load reads, expands, parses and validates the configuration file.
// Values start from Default, so a sparse file stays valid.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse behaves like Load on in-memory bytes.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks shape and cross-references. It runs before any
// component is built so a bad file fails the process at startup.
func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level %q: %w", c.LogLevel, err)
	}
	if c.HTTP.Enabled {
		// Port 0 binds an ephemeral port.
		if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
			return fmt.Errorf("http.port must be in 0..65535, got %d", c.HTTP.Port)
		}
		if c.HTTP.Host == "" {
			return fmt.Errorf("http.host cannot be empty")
		}
	}
	if c.Store.StateFile == "" && !c.Store.Postgres.Enabled {
		return fmt.Errorf("store.state_file cannot be empty without postgres")
	}
	if c.Store.Postgres.Enabled && c.Store.Postgres.DSN == "" {
		return fmt.Errorf("store.postgres.dsn required when postgres is enabled")
	}
	switch c.Cache.Backend {
	case "none", "memory":
	case "redis":
		if c.Cache.Redis.Addr == "" {
			return fmt.Errorf("cache.redis.addr required for the redis backend")
		}
	default:
		return fmt.Errorf("cache.backend must be none, memory or redis, got %q", c.Cache.Backend)
	}
	for name, rb := range c.Providers.RateBudgets {
		if rb.Capacity <= 0 {
			return fmt.Errorf("providers.rate_budgets.%s: capacity must be positive, got %d", name, rb.Capacity)
		}
		if rb.RefillPerSec <= 0 {
			return fmt.Errorf("providers.rate_budgets.%s: refill_per_sec must be positive, got %f", name, rb.RefillPerSec)
		}
	}

	tiers := make(map[string]bool, len(c.Scheduler.Tiers))
	for i, t := range c.Scheduler.Tiers {
		if t.Name == "" {
			return fmt.Errorf("scheduler.tiers[%d]: name cannot be empty", i)
		}
		if tiers[t.Name] {
			return fmt.Errorf("scheduler.tiers[%d]: duplicate tier %q", i, t.Name)
		}
		if t.IntervalMs <= 0 {
			return fmt.Errorf("scheduler.tiers[%d] (%s): interval_ms must be positive, got %d", i, t.Name, t.IntervalMs)
		}
		if t.MaxParallel <= 0 {
			return fmt.Errorf("scheduler.tiers[%d] (%s): max_parallel must be positive, got %d", i, t.Name, t.MaxParallel)
		}
		tiers[t.Name] = true
	}

	taskIDs := make(map[string]bool, len(c.Collectors))
	for i, col := range c.Collectors {
		if col.TaskID == "" {
			return fmt.Errorf("collectors[%d]: task_id cannot be empty", i)
		}
		if taskIDs[col.TaskID] {
			return fmt.Errorf("collectors[%d]: duplicate task_id %q", i, col.TaskID)
		}
		taskIDs[col.TaskID] = true
		if col.SeriesID == "" {
			return fmt.Errorf("collectors[%d] (%s): series_id cannot be empty", i, col.TaskID)
		}
		if !tiers[col.Tier] {
			return fmt.Errorf("collectors[%d] (%s): unknown tier %q", i, col.TaskID, col.Tier)
		}
		if col.IntervalMs < 0 {
			return fmt.Errorf("collectors[%d] (%s): interval_ms cannot be negative", i, col.TaskID)
		}
		if _, err := col.Source.Fetch(col.SeriesID); err != nil {
			return fmt.Errorf("collectors[%d] (%s): %w", i, col.TaskID, err)
		}
	}

	if !tiers[c.SignalCycle.Tier] {
		return fmt.Errorf("signal_cycle.tier: unknown tier %q", c.SignalCycle.Tier)
	}
	if c.SignalCycle.MaxConcurrent <= 0 {
		return fmt.Errorf("signal_cycle.max_concurrent must be positive, got %d", c.SignalCycle.MaxConcurrent)
	}
	if c.Strategies.Profile == "" {
		return fmt.Errorf("strategies.profile cannot be empty")
	}

	switch signal.Method(c.Aggregation.Method) {
	case signal.WeightedAverage, signal.MajorityVote, signal.MaxConfidence:
	default:
		return fmt.Errorf("aggregation.method must be weighted_average, majority_vote or max_confidence, got %q", c.Aggregation.Method)
	}
	if c.Aggregation.EmitThreshold < 0 || c.Aggregation.EmitThreshold > 1 {
		return fmt.Errorf("aggregation.emit_threshold must be in [0,1], got %f", c.Aggregation.EmitThreshold)
	}
	if c.Alerts.Dir == "" {
		return fmt.Errorf("alerts.dir cannot be empty")
	}

	if c.Notifications.Dispatcher.QueueCapacity <= 0 {
		return fmt.Errorf("notifications.queue_capacity must be positive, got %d", c.Notifications.Dispatcher.QueueCapacity)
	}
	chanIDs := make(map[string]bool, len(c.Notifications.Channels))
	for i, ch := range c.Notifications.Channels {
		if err := ch.validate(); err != nil {
			return fmt.Errorf("notifications.channels[%d]: %w", i, err)
		}
		if chanIDs[ch.ID] {
			return fmt.Errorf("notifications.channels[%d]: duplicate id %q", i, ch.ID)
		}
		chanIDs[ch.ID] = true
	}

	if c.Health.StaleAfterMs <= 0 {
		return fmt.Errorf("health.stale_after_ms must be positive, got %d", c.Health.StaleAfterMs)
	}
	return nil
}

func (ch ChannelConfig) validate() error {
	if ch.ID == "" {
		return fmt.Errorf("id cannot be empty")
	}
	switch ch.Kind {
	case ChannelLog, ChannelWebsocket:
	case ChannelDiscord:
		if ch.WebhookURL == "" {
			return fmt.Errorf("%s: webhook_url required for discord", ch.ID)
		}
	case ChannelTelegram:
		if ch.BotToken == "" || ch.ChatID == "" {
			return fmt.Errorf("%s: bot_token and chat_id required for telegram", ch.ID)
		}
	case ChannelRedis:
		if ch.Redis.Addr == "" {
			return fmt.Errorf("%s: redis.addr required for redis", ch.ID)
		}
		if ch.Topic == "" {
			return fmt.Errorf("%s: topic required for redis", ch.ID)
		}
	default:
		return fmt.Errorf("%s: unknown kind %q", ch.ID, ch.Kind)
	}
	if _, err := ch.Filter.Compile(); err != nil {
		return fmt.Errorf("%s: %w", ch.ID, err)
	}
	return nil
}

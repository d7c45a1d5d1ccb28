// Package metrics owns the Prometheus instruments for the pipeline.
// The registry is explicit and injected; nothing registers into the
// global default registry, so tests can construct as many registries
// as they need without collisions.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Registry holds all Prometheus metrics for driftline.
type Registry struct {
	reg *prometheus.Registry

	// Collection metrics
	FetchDuration        *prometheus.HistogramVec
	DispatchTotal        *prometheus.CounterVec
	TasksDisabled        prometheus.Gauge
	ObservationsInserted *prometheus.CounterVec

	// Signal pipeline metrics
	CycleDuration     prometheus.Histogram
	SignalsEmitted    *prometheus.CounterVec
	StrategyFailures  *prometheus.CounterVec
	AggregatesEmitted *prometheus.CounterVec
	AlertsWritten     prometheus.Counter

	// Notification metrics
	QueueDepth       prometheus.Gauge
	DeliveriesTotal  *prometheus.CounterVec
	DeliveryDuration *prometheus.HistogramVec
	WSClients        prometheus.Gauge

	// Provider metrics
	BreakerState *prometheus.GaugeVec
	BudgetTokens *prometheus.GaugeVec
	CacheHits    *prometheus.CounterVec
	CacheMisses  *prometheus.CounterVec

	// HTTP metrics
	RequestDuration *prometheus.HistogramVec
}

// NewRegistry creates a registry with all driftline metrics registered.
func NewRegistry() *Registry {
	m := &Registry{
		reg: prometheus.NewRegistry(),

		FetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "driftline_fetch_duration_seconds",
				Help:    "Duration of collector fetches by task and outcome",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"task", "outcome"},
		),

		DispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "driftline_dispatch_total",
				Help: "Total task dispatches by tier and outcome",
			},
			[]string{"tier", "outcome"},
		),

		TasksDisabled: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "driftline_tasks_disabled",
				Help: "Number of tasks disabled pending operator intervention",
			},
		),

		ObservationsInserted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "driftline_observations_inserted_total",
				Help: "Newly inserted observations by series, after dedup",
			},
			[]string{"series"},
		),

		CycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "driftline_cycle_duration_seconds",
				Help:    "Duration of one full strategy cycle",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
		),

		SignalsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "driftline_signals_emitted_total",
				Help: "Raw signals emitted by strategy",
			},
			[]string{"strategy"},
		),

		StrategyFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "driftline_strategy_failures_total",
				Help: "Strategy errors and panics caught by the runner",
			},
			[]string{"strategy"},
		),

		AggregatesEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "driftline_aggregates_emitted_total",
				Help: "Aggregated signals by method and direction",
			},
			[]string{"method", "direction"},
		),

		AlertsWritten: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "driftline_alerts_written_total",
				Help: "Alert records written to the alert store",
			},
		),

		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "driftline_notification_queue_depth",
				Help: "Signals waiting in the dispatcher queue",
			},
		),

		DeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "driftline_deliveries_total",
				Help: "Notification delivery attempts by channel and result",
			},
			[]string{"channel", "result"},
		),

		DeliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "driftline_delivery_duration_seconds",
				Help:    "Duration of notification deliveries by channel",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"channel"},
		),

		WSClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "driftline_websocket_clients",
				Help: "Connected websocket alert subscribers",
			},
		),

		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "driftline_breaker_state",
				Help: "Circuit breaker state per provider (0=closed, 1=half-open, 2=open)",
			},
			[]string{"provider"},
		),

		BudgetTokens: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "driftline_budget_tokens",
				Help: "Rate budget tokens available per provider",
			},
			[]string{"provider"},
		),

		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "driftline_cache_hits_total",
				Help: "Total number of cache hits by cache type",
			},
			[]string{"cache_type"},
		),

		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "driftline_cache_misses_total",
				Help: "Total number of cache misses by cache type",
			},
			[]string{"cache_type"},
		),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "driftline_http_request_duration_seconds",
				Help:    "HTTP request duration by route and status code",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0},
			},
			[]string{"route", "code"},
		),
	}

	m.reg.MustRegister(
		m.FetchDuration,
		m.DispatchTotal,
		m.TasksDisabled,
		m.ObservationsInserted,
		m.CycleDuration,
		m.SignalsEmitted,
		m.StrategyFailures,
		m.AggregatesEmitted,
		m.AlertsWritten,
		m.QueueDepth,
		m.DeliveriesTotal,
		m.DeliveryDuration,
		m.WSClients,
		m.BreakerState,
		m.BudgetTokens,
		m.CacheHits,
		m.CacheMisses,
		m.RequestDuration,
	)

	return m
}

// FetchTimer tracks the wall time of one fetch.
type FetchTimer struct {
	metrics *Registry
	task    string
	start   time.Time
}

// StartFetchTimer begins timing a fetch for the given task.
func (m *Registry) StartFetchTimer(task string) *FetchTimer {
	return &FetchTimer{metrics: m, task: task, start: time.Now()}
}

// Stop records the fetch duration under the final outcome.
func (t *FetchTimer) Stop(outcome string) {
	t.metrics.FetchDuration.WithLabelValues(t.task, outcome).Observe(time.Since(t.start).Seconds())
}

// RecordDispatch counts one task dispatch outcome.
func (m *Registry) RecordDispatch(tier, outcome string) {
	m.DispatchTotal.WithLabelValues(tier, outcome).Inc()
}

// RecordInserted counts newly inserted observations for a series.
func (m *Registry) RecordInserted(series string, n int) {
	if n > 0 {
		m.ObservationsInserted.WithLabelValues(series).Add(float64(n))
	}
}

// RecordCacheHit records a cache hit for the specified cache type.
func (m *Registry) RecordCacheHit(cacheType string) {
	m.CacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss records a cache miss for the specified cache type.
func (m *Registry) RecordCacheMiss(cacheType string) {
	m.CacheMisses.WithLabelValues(cacheType).Inc()
}

// SetBreakerState publishes a provider breaker state transition.
func (m *Registry) SetBreakerState(provider, state string) {
	m.BreakerState.WithLabelValues(provider).Set(breakerStateValue(state))
}

// SetBudgetTokens publishes available budget tokens for a provider.
func (m *Registry) SetBudgetTokens(provider string, tokens float64) {
	m.BudgetTokens.WithLabelValues(provider).Set(tokens)
}

// RecordDelivery counts one notification delivery result and its
// duration.
func (m *Registry) RecordDelivery(channel, result string, seconds float64) {
	m.DeliveriesTotal.WithLabelValues(channel, result).Inc()
	m.DeliveryDuration.WithLabelValues(channel).Observe(seconds)
}

// SetQueueDepth publishes the dispatcher queue depth.
func (m *Registry) SetQueueDepth(n int) {
	m.QueueDepth.Set(float64(n))
}

// ObserveRequest records the duration of one served HTTP request.
func (m *Registry) ObserveRequest(route string, code int, seconds float64) {
	m.RequestDuration.WithLabelValues(route, strconv.Itoa(code)).Observe(seconds)
}

// Handler serves this registry for scraping.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Gather exposes the underlying registry state. Tests use it to assert
// on recorded values.
func (m *Registry) Gather() ([]*dto.MetricFamily, error) {
	return m.reg.Gather()
}

func breakerStateValue(state string) float64 {
	switch state {
	case "closed":
		return 0
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return -1
	}
}

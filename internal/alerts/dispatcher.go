// Package alerts turns aggregated signals into durable alert records
// and outbound notifications. The Emitter writes one JSON record per
// qualifying aggregate; the Dispatcher fans aggregates out to
// registered channels through a bounded queue, applying per-channel
// filters, cooldowns, dedup and retries. A failing channel never
// affects another channel or the producer.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftline/driftline/internal/clock"
	"github.com/driftline/driftline/internal/metrics"
	"github.com/driftline/driftline/internal/signal"
)

// Channel is one notification destination. Deliver must honor ctx and
// report failure by error; the dispatcher owns retries and cooldowns.
type Channel interface {
	ID() string
	Kind() string
	Filter(ag signal.AggregatedSignal) bool
	Deliver(ctx context.Context, ag signal.AggregatedSignal) error
}

// ChannelOptions tunes how the dispatcher drives one channel.
type ChannelOptions struct {
	// MinIntervalMs is the per-asset cooldown. Zero disables it.
	MinIntervalMs int64 `yaml:"min_interval_ms" json:"min_interval_ms"`
	// MaxRetries is how many times a failed delivery is retried.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
	// TimeoutMs bounds one delivery attempt.
	TimeoutMs int64 `yaml:"timeout_ms" json:"timeout_ms"`
	// RetryBackoffMs is the first retry delay; it doubles per attempt.
	RetryBackoffMs int64 `yaml:"retry_backoff_ms" json:"retry_backoff_ms"`
	// BufferSize is the channel's own queue. When it is full the
	// aggregate is dropped for that channel only.
	BufferSize int `yaml:"buffer_size" json:"buffer_size"`
}

func (o ChannelOptions) withDefaults() ChannelOptions {
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.TimeoutMs <= 0 {
		o.TimeoutMs = 10_000
	}
	if o.RetryBackoffMs <= 0 {
		o.RetryBackoffMs = 500
	}
	if o.BufferSize <= 0 {
		o.BufferSize = 16
	}
	return o
}

// DispatcherConfig tunes the dispatcher itself.
type DispatcherConfig struct {
	// QueueCapacity bounds the main queue; a full queue blocks the
	// producer.
	QueueCapacity int `yaml:"queue_capacity" json:"queue_capacity"`
	// PricePrecision is the decimal rounding applied to prices in the
	// dedup tuple.
	PricePrecision int `yaml:"price_precision" json:"price_precision"`
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 256
	}
	if c.PricePrecision <= 0 {
		c.PricePrecision = 2
	}
	return c
}

// ChannelStats counts outcomes per channel, for health reporting.
type ChannelStats struct {
	Delivered       int64 `json:"delivered"`
	Failed          int64 `json:"failed"`
	Filtered        int64 `json:"filtered"`
	SkippedCooldown int64 `json:"skipped_cooldown"`
	SkippedDup      int64 `json:"skipped_duplicate"`
	Dropped         int64 `json:"dropped"`
}

// deliveryTuple is the dedup key: delivering the same direction at the
// same rounded price to the same asset twice in a row is noise.
type deliveryTuple struct {
	direction signal.Direction
	price     float64
}

// channelState is the dispatcher's bookkeeping for one channel. The
// maps are touched only by that channel's worker.
type channelState struct {
	ch            Channel
	opts          ChannelOptions
	buf           chan signal.AggregatedSignal
	lastDelivered map[string]int64
	lastTuple     map[string]deliveryTuple
}

// Dispatcher consumes aggregated signals from a bounded queue and fans
// them out to registered channels, one worker per channel so a slow
// destination never stalls the rest. Register every channel before
// Run.
type Dispatcher struct {
	clk clock.Clock
	met *metrics.Registry
	cfg DispatcherConfig
	log zerolog.Logger

	queue    chan signal.AggregatedSignal
	channels []*channelState
	byID     map[string]*channelState

	mu    sync.Mutex
	stats map[string]*ChannelStats
}

func NewDispatcher(clk clock.Clock, met *metrics.Registry, cfg DispatcherConfig, logger zerolog.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		clk:   clk,
		met:   met,
		cfg:   cfg,
		log:   logger.With().Str("component", "dispatcher").Logger(),
		queue: make(chan signal.AggregatedSignal, cfg.QueueCapacity),
		byID:  make(map[string]*channelState),
		stats: make(map[string]*ChannelStats),
	}
}

// Register installs a channel. Registering the same id twice is a
// wiring bug.
func (d *Dispatcher) Register(ch Channel, opts ChannelOptions) error {
	if ch == nil {
		return errors.New("alerts: nil channel")
	}
	if ch.ID() == "" {
		return errors.New("alerts: channel without an id")
	}
	if _, ok := d.byID[ch.ID()]; ok {
		return fmt.Errorf("alerts: channel %s registered twice", ch.ID())
	}
	opts = opts.withDefaults()
	cs := &channelState{
		ch:            ch,
		opts:          opts,
		buf:           make(chan signal.AggregatedSignal, opts.BufferSize),
		lastDelivered: make(map[string]int64),
		lastTuple:     make(map[string]deliveryTuple),
	}
	d.channels = append(d.channels, cs)
	d.byID[ch.ID()] = cs
	d.stats[ch.ID()] = &ChannelStats{}
	return nil
}

// Enqueue hands one aggregate to the dispatcher. It blocks while the
// queue is full, pushing backpressure onto the producer.
func (d *Dispatcher) Enqueue(ctx context.Context, ag signal.AggregatedSignal) error {
	select {
	case d.queue <- ag:
		d.met.SetQueueDepth(len(d.queue))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Depth is the current main queue length.
func (d *Dispatcher) Depth() int { return len(d.queue) }

// Capacity is the main queue bound.
func (d *Dispatcher) Capacity() int { return cap(d.queue) }

// Stats returns a copy of the per-channel outcome counters.
func (d *Dispatcher) Stats() map[string]ChannelStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]ChannelStats, len(d.stats))
	for id, s := range d.stats {
		out[id] = *s
	}
	return out
}

// Run drives the dispatcher until ctx is cancelled: one goroutine per
// channel plus this fan-out loop. Returns nil on clean shutdown.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, cs := range d.channels {
		wg.Add(1)
		go func(cs *channelState) {
			defer wg.Done()
			d.channelWorker(ctx, cs)
		}(cs)
	}
	d.log.Info().Int("channels", len(d.channels)).Int("queue_capacity", cap(d.queue)).
		Msg("Notification dispatcher starting")

	for {
		select {
		case <-ctx.Done():
			for _, cs := range d.channels {
				close(cs.buf)
			}
			wg.Wait()
			d.log.Info().Msg("Notification dispatcher stopped")
			return nil
		case ag := <-d.queue:
			d.met.SetQueueDepth(len(d.queue))
			d.fanOut(ag)
		}
	}
}

// fanOut offers the aggregate to every channel buffer without
// blocking. A full buffer drops the aggregate for that channel only.
func (d *Dispatcher) fanOut(ag signal.AggregatedSignal) {
	for _, cs := range d.channels {
		select {
		case cs.buf <- ag:
		default:
			d.bump(cs.ch.ID(), func(s *ChannelStats) { s.Dropped++ })
			d.met.DeliveriesTotal.WithLabelValues(cs.ch.ID(), "dropped").Inc()
			d.log.Warn().
				Str("channel", cs.ch.ID()).
				Str("asset", ag.AssetID).
				Msg("Channel buffer full, notification dropped")
		}
	}
}

func (d *Dispatcher) channelWorker(ctx context.Context, cs *channelState) {
	for {
		select {
		case <-ctx.Done():
			return
		case ag, ok := <-cs.buf:
			if !ok {
				return
			}
			d.process(ctx, cs, ag)
		}
	}
}

// process applies filter, cooldown and dedup, then delivers with
// retries. Bookkeeping is updated only after a successful delivery.
func (d *Dispatcher) process(ctx context.Context, cs *channelState, ag signal.AggregatedSignal) {
	id := cs.ch.ID()

	if !cs.ch.Filter(ag) {
		d.bump(id, func(s *ChannelStats) { s.Filtered++ })
		d.met.DeliveriesTotal.WithLabelValues(id, "filtered").Inc()
		return
	}

	if cs.opts.MinIntervalMs > 0 {
		if last, ok := cs.lastDelivered[ag.AssetID]; ok && d.clk.NowMs()-last < cs.opts.MinIntervalMs {
			d.bump(id, func(s *ChannelStats) { s.SkippedCooldown++ })
			d.met.DeliveriesTotal.WithLabelValues(id, "skipped_cooldown").Inc()
			d.log.Debug().Str("channel", id).Str("asset", ag.AssetID).Msg("Notification in cooldown")
			return
		}
	}

	tuple := deliveryTuple{direction: ag.Direction, price: roundTo(ag.Price, d.cfg.PricePrecision)}
	if prev, ok := cs.lastTuple[ag.AssetID]; ok && prev == tuple {
		d.bump(id, func(s *ChannelStats) { s.SkippedDup++ })
		d.met.DeliveriesTotal.WithLabelValues(id, "skipped_duplicate").Inc()
		d.log.Debug().Str("channel", id).Str("asset", ag.AssetID).Msg("Duplicate notification suppressed")
		return
	}

	if err := d.deliver(ctx, cs, ag); err != nil {
		d.bump(id, func(s *ChannelStats) { s.Failed++ })
		d.log.Error().
			Str("channel", id).
			Str("asset", ag.AssetID).
			Int("retries", cs.opts.MaxRetries).
			Err(err).
			Msg("Notification failed after retries")
		return
	}

	cs.lastDelivered[ag.AssetID] = d.clk.NowMs()
	cs.lastTuple[ag.AssetID] = tuple
	d.bump(id, func(s *ChannelStats) { s.Delivered++ })
	d.log.Debug().
		Str("channel", id).
		Str("asset", ag.AssetID).
		Str("direction", string(ag.Direction)).
		Msg("Notification delivered")
}

// deliver runs one delivery with per-attempt timeout and exponential
// backoff between attempts.
func (d *Dispatcher) deliver(ctx context.Context, cs *channelState, ag signal.AggregatedSignal) error {
	id := cs.ch.ID()
	timeout := time.Duration(cs.opts.TimeoutMs) * time.Millisecond

	var lastErr error
	for attempt := 0; attempt <= cs.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(cs.opts.RetryBackoffMs<<(attempt-1)) * time.Millisecond
			if err := d.clk.Sleep(ctx, backoff); err != nil {
				return lastErr
			}
		}

		start := time.Now()
		actx, cancel := context.WithTimeout(ctx, timeout)
		err := cs.ch.Deliver(actx, ag)
		cancel()

		if err == nil {
			d.met.RecordDelivery(id, "success", time.Since(start).Seconds())
			return nil
		}
		d.met.RecordDelivery(id, "failure", time.Since(start).Seconds())
		lastErr = err
		if ctx.Err() != nil {
			return lastErr
		}
		d.log.Warn().
			Str("channel", id).
			Str("asset", ag.AssetID).
			Int("attempt", attempt+1).
			Err(err).
			Msg("Delivery attempt failed")
	}
	return lastErr
}

func (d *Dispatcher) bump(id string, f func(*ChannelStats)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.stats[id]; ok {
		f(s)
	}
}

func roundTo(v float64, precision int) float64 {
	pow := math.Pow10(precision)
	return math.Round(v*pow) / pow
}

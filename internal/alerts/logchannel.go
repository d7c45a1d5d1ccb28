package alerts

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/driftline/driftline/internal/signal"
)

// LogChannel writes notifications to the structured log. It is the
// default-on channel: zero configuration, never fails.
type LogChannel struct {
	id     string
	filter Filter
	log    zerolog.Logger
}

func NewLogChannel(id string, filter Filter, logger zerolog.Logger) *LogChannel {
	if filter == nil {
		filter = DefaultFilter()
	}
	return &LogChannel{
		id:     id,
		filter: filter,
		log:    logger.With().Str("component", "alert_channel").Str("channel", id).Logger(),
	}
}

func (c *LogChannel) ID() string   { return c.id }
func (c *LogChannel) Kind() string { return "log" }

func (c *LogChannel) Filter(ag signal.AggregatedSignal) bool { return c.filter(ag) }

func (c *LogChannel) Deliver(_ context.Context, ag signal.AggregatedSignal) error {
	c.log.Info().
		Str("asset", ag.AssetID).
		Str("direction", string(ag.Direction)).
		Float64("confidence", ag.Confidence).
		Str("strength", string(ag.Strength)).
		Float64("price", ag.Price).
		Float64("position_size", ag.PositionSize).
		Strs("contributors", ag.Contributors).
		Str("cycle_id", ag.CycleID).
		Msg("Signal notification")
	return nil
}

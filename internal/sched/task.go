package sched

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/driftline/driftline/internal/collect"
	"github.com/driftline/driftline/internal/metrics"
	"github.com/driftline/driftline/internal/store"
)

// CollectorTask adapts a registered collector into a scheduled task:
// fetch the window, append what came back, and reclassify append
// failures with the store's own taxonomy.
func CollectorTask(c collect.Collector, observations store.ObservationStore,
	met *metrics.Registry, logger zerolog.Logger) Task {
	lg := logger.With().Str("component", "collector").Str("task", c.TaskID).Logger()
	return Task{
		ID:         c.TaskID,
		Tier:       c.Tier,
		ProviderID: c.ProviderID,
		SeriesID:   c.SeriesID,
		IntervalMs: c.IntervalMs,
		Run: func(ctx context.Context, w collect.Window) collect.FetchResult {
			res := c.Fetch(ctx, w)
			if res.Kind() != collect.ResultOk || len(res.Observations()) == 0 {
				return res
			}
			inserted, err := observations.Put(ctx, res.Observations())
			if err != nil {
				if store.IsFatal(err) {
					return collect.FatalFailure(err)
				}
				return collect.TransientFailure(err)
			}
			met.RecordInserted(c.SeriesID, inserted)
			lg.Debug().Int("fetched", len(res.Observations())).Int("inserted", inserted).
				Int64("lo_ms", w.LoMs).Int64("hi_ms", w.HiMs).Msg("Observations stored")
			return res
		},
	}
}

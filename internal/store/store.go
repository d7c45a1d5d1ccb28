// Package store defines the persistence contracts of the pipeline: the
// append-only observation store and the consolidated scheduler task
// state store, with the transient/fatal error split the scheduler acts
// on. Backends live in the subpackages memory, postgres and statefile.
package store

import (
	"context"

	"github.com/driftline/driftline/internal/market"
)

// TaskStateSchemaVersion versions the persisted task state format.
const TaskStateSchemaVersion = 1

// DisabledForever marks a task as disabled until operator intervention.
const DisabledForever int64 = 1<<63 - 1

// SeriesHealth summarizes one series for health reporting.
type SeriesHealth struct {
	Count    int64 `json:"count"`
	LatestTs int64 `json:"latest_ts"`
}

// ObservationStore is the append-only time-series store.
//
// Put inserts a batch atomically; rows whose (series_id, timestamp)
// already exist are silently skipped and the returned count covers only
// newly inserted rows. Range returns observations ordered by strictly
// increasing timestamp, bounds inclusive. LatestTimestamp reports the
// newest timestamp for a series; ok is false when the series is empty.
// All methods are safe for concurrent use.
type ObservationStore interface {
	Put(ctx context.Context, observations []market.Observation) (int, error)
	LatestTimestamp(ctx context.Context, seriesID string) (ts int64, ok bool, err error)
	Range(ctx context.Context, seriesID string, loMs, hiMs int64) ([]market.Observation, error)
	Health(ctx context.Context) (map[string]SeriesHealth, error)
}

// TaskState is the persisted scheduling record for one task. It is
// mutated only by the scheduler loop and written after every state
// transition. DisabledUntilMs == 0 means enabled.
type TaskState struct {
	TaskID              string `json:"task_id" db:"task_id"`
	Tier                string `json:"tier" db:"tier"`
	IntervalMs          int64  `json:"interval_ms" db:"interval_ms"`
	LastRunMs           int64  `json:"last_run_ms" db:"last_run_ms"`
	LastSuccessMs       int64  `json:"last_success_ms" db:"last_success_ms"`
	ConsecutiveFailures int    `json:"consecutive_failures" db:"consecutive_failures"`
	DisabledUntilMs     int64  `json:"disabled_until_ms" db:"disabled_until_ms"`
}

// Disabled reports whether the task requires operator intervention.
func (s TaskState) Disabled() bool { return s.DisabledUntilMs == DisabledForever }

// TaskStateStore persists TaskState keyed by task id. Save must be
// durable before it returns so that a crash never observes a partial
// transition.
type TaskStateStore interface {
	Load(ctx context.Context) (map[string]TaskState, error)
	Save(ctx context.Context, state TaskState) error
	SaveAll(ctx context.Context, states []TaskState) error
}

// Package memory provides the in-process observation and task state
// backends. They are the default when Postgres is not configured and
// double as the deterministic fixtures for scheduler tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/driftline/driftline/internal/market"
	"github.com/driftline/driftline/internal/store"
)

// ObservationStore keeps per-series sorted slices guarded by one RWMutex.
type ObservationStore struct {
	mu     sync.RWMutex
	series map[string]*seriesData
}

type seriesData struct {
	observations []market.Observation // sorted by Timestamp ascending
	seen         map[int64]struct{}
}

func NewObservationStore() *ObservationStore {
	return &ObservationStore{series: make(map[string]*seriesData)}
}

// Put validates the whole batch before touching any series so the call
// stays all-or-nothing, then inserts rows not already present.
func (m *ObservationStore) Put(ctx context.Context, observations []market.Observation) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	for _, o := range observations {
		if err := o.Validate(); err != nil {
			return 0, store.Fatal("put", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	inserted := 0
	for _, o := range observations {
		sd := m.series[o.SeriesID]
		if sd == nil {
			sd = &seriesData{seen: make(map[int64]struct{})}
			m.series[o.SeriesID] = sd
		}
		if _, dup := sd.seen[o.Timestamp]; dup {
			continue
		}
		sd.seen[o.Timestamp] = struct{}{}
		sd.insert(o)
		inserted++
	}
	return inserted, nil
}

func (sd *seriesData) insert(o market.Observation) {
	i := sort.Search(len(sd.observations), func(i int) bool {
		return sd.observations[i].Timestamp >= o.Timestamp
	})
	sd.observations = append(sd.observations, market.Observation{})
	copy(sd.observations[i+1:], sd.observations[i:])
	sd.observations[i] = o
}

func (m *ObservationStore) LatestTimestamp(ctx context.Context, seriesID string) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	sd := m.series[seriesID]
	if sd == nil || len(sd.observations) == 0 {
		return 0, false, nil
	}
	return sd.observations[len(sd.observations)-1].Timestamp, true, nil
}

// Range returns a copy so callers never observe later inserts.
func (m *ObservationStore) Range(ctx context.Context, seriesID string, loMs, hiMs int64) ([]market.Observation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if loMs > hiMs {
		return nil, store.Fatal("range", fmt.Errorf("inverted window [%d, %d]", loMs, hiMs))
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	sd := m.series[seriesID]
	if sd == nil {
		return nil, nil
	}
	lo := sort.Search(len(sd.observations), func(i int) bool {
		return sd.observations[i].Timestamp >= loMs
	})
	hi := sort.Search(len(sd.observations), func(i int) bool {
		return sd.observations[i].Timestamp > hiMs
	})
	if lo >= hi {
		return nil, nil
	}
	out := make([]market.Observation, hi-lo)
	copy(out, sd.observations[lo:hi])
	return out, nil
}

func (m *ObservationStore) Health(ctx context.Context) (map[string]store.SeriesHealth, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]store.SeriesHealth, len(m.series))
	for id, sd := range m.series {
		h := store.SeriesHealth{Count: int64(len(sd.observations))}
		if n := len(sd.observations); n > 0 {
			h.LatestTs = sd.observations[n-1].Timestamp
		}
		out[id] = h
	}
	return out, nil
}

// TaskStateStore is the in-memory TaskState backend used when no
// durable state path is configured and by scheduler tests.
type TaskStateStore struct {
	mu     sync.Mutex
	states map[string]store.TaskState
}

func NewTaskStateStore() *TaskStateStore {
	return &TaskStateStore{states: make(map[string]store.TaskState)}
}

func (m *TaskStateStore) Load(ctx context.Context) (map[string]store.TaskState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]store.TaskState, len(m.states))
	for id, st := range m.states {
		out[id] = st
	}
	return out, nil
}

func (m *TaskStateStore) Save(ctx context.Context, state store.TaskState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if state.TaskID == "" {
		return store.Fatal("save", fmt.Errorf("empty task_id"))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.TaskID] = state
	return nil
}

func (m *TaskStateStore) SaveAll(ctx context.Context, states []store.TaskState) error {
	for _, st := range states {
		if err := m.Save(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

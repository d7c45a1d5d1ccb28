package cache

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/driftline/driftline/internal/market"
	"github.com/driftline/driftline/internal/metrics"
	"github.com/driftline/driftline/internal/store"
)

const (
	latestKeyPrefix = "driftline:latest:"
	healthKey       = "driftline:health"
)

type cachedLatest struct {
	Ts int64 `json:"ts"`
	Ok bool  `json:"ok"`
}

// ReadThroughStore fronts an ObservationStore with a Cache on the hot
// read paths, LatestTimestamp and Health. Writes pass through and
// invalidate the touched entries. A failing cache degrades to the
// underlying store rather than failing the call.
type ReadThroughStore struct {
	store store.ObservationStore
	cache Cache
	log   zerolog.Logger
	met   *metrics.Registry

	latestTTLMs int64
	healthTTLMs int64

	hits   atomic.Int64
	misses atomic.Int64
	errs   atomic.Int64
}

func NewReadThroughStore(inner store.ObservationStore, c Cache, latestTTLMs, healthTTLMs int64, log zerolog.Logger) *ReadThroughStore {
	return &ReadThroughStore{
		store:       inner,
		cache:       c,
		log:         log.With().Str("component", "cache").Logger(),
		latestTTLMs: latestTTLMs,
		healthTTLMs: healthTTLMs,
	}
}

// WithMetrics publishes hit and miss counts to the given registry.
func (s *ReadThroughStore) WithMetrics(met *metrics.Registry) *ReadThroughStore {
	s.met = met
	return s
}

func latestKey(seriesID string) string { return latestKeyPrefix + seriesID }

func (s *ReadThroughStore) recordHit(kind string) {
	s.hits.Add(1)
	if s.met != nil {
		s.met.RecordCacheHit(kind)
	}
}

func (s *ReadThroughStore) recordMiss(kind string) {
	s.misses.Add(1)
	if s.met != nil {
		s.met.RecordCacheMiss(kind)
	}
}

// Put writes through to the store and drops the cached entries of
// every series the batch touched, plus the health snapshot.
func (s *ReadThroughStore) Put(ctx context.Context, observations []market.Observation) (int, error) {
	inserted, err := s.store.Put(ctx, observations)
	if err != nil || inserted == 0 {
		return inserted, err
	}

	keys := []string{healthKey}
	seen := make(map[string]struct{}, len(observations))
	for _, o := range observations {
		if _, dup := seen[o.SeriesID]; dup {
			continue
		}
		seen[o.SeriesID] = struct{}{}
		keys = append(keys, latestKey(o.SeriesID))
	}
	if derr := s.cache.Delete(ctx, keys...); derr != nil {
		s.errs.Add(1)
		s.log.Debug().Err(derr).Msg("cache invalidation failed")
	}
	return inserted, nil
}

func (s *ReadThroughStore) LatestTimestamp(ctx context.Context, seriesID string) (int64, bool, error) {
	key := latestKey(seriesID)

	if data, found, cerr := s.cache.Get(ctx, key); cerr != nil {
		s.errs.Add(1)
		s.log.Debug().Err(cerr).Str("key", key).Msg("cache read failed")
	} else if found {
		var entry cachedLatest
		if err := json.Unmarshal(data, &entry); err == nil {
			s.recordHit("latest")
			return entry.Ts, entry.Ok, nil
		}
	}
	s.recordMiss("latest")

	ts, ok, err := s.store.LatestTimestamp(ctx, seriesID)
	if err != nil {
		return 0, false, err
	}
	if data, merr := json.Marshal(cachedLatest{Ts: ts, Ok: ok}); merr == nil {
		if serr := s.cache.Set(ctx, key, data, s.latestTTLMs); serr != nil {
			s.errs.Add(1)
			s.log.Debug().Err(serr).Str("key", key).Msg("cache write failed")
		}
	}
	return ts, ok, nil
}

// Range always hits the store. Window reads feed strategy evaluation
// and must see rows written moments before.
func (s *ReadThroughStore) Range(ctx context.Context, seriesID string, loMs, hiMs int64) ([]market.Observation, error) {
	return s.store.Range(ctx, seriesID, loMs, hiMs)
}

func (s *ReadThroughStore) Health(ctx context.Context) (map[string]store.SeriesHealth, error) {
	if data, found, cerr := s.cache.Get(ctx, healthKey); cerr != nil {
		s.errs.Add(1)
		s.log.Debug().Err(cerr).Msg("cache read failed")
	} else if found {
		var snapshot map[string]store.SeriesHealth
		if err := json.Unmarshal(data, &snapshot); err == nil {
			s.recordHit("health")
			return snapshot, nil
		}
	}
	s.recordMiss("health")

	snapshot, err := s.store.Health(ctx)
	if err != nil {
		return nil, err
	}
	if data, merr := json.Marshal(snapshot); merr == nil {
		if serr := s.cache.Set(ctx, healthKey, data, s.healthTTLMs); serr != nil {
			s.errs.Add(1)
			s.log.Debug().Err(serr).Msg("cache write failed")
		}
	}
	return snapshot, nil
}

// Stats snapshots hit and miss counters since construction.
func (s *ReadThroughStore) Stats() Stats {
	hits, misses := s.hits.Load(), s.misses.Load()
	return Stats{
		Hits:    hits,
		Misses:  misses,
		Errors:  s.errs.Load(),
		HitRate: hitRate(hits, misses),
	}
}

// Package cache provides the byte-oriented cache layer used to front
// observation store reads. Two backends are available: an in-process
// TTL map and Redis.
package cache

import "context"

// Cache is a byte-value cache with per-entry TTL. A miss is reported
// via the bool, not an error; errors mean the backend itself failed.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttlMs int64) error
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Errors    int64   `json:"errors"`
	HitRate   float64 `json:"hit_rate"`
	ItemCount int     `json:"item_count,omitempty"`
}

func hitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// Package cache provides the byte cache used in front of the checkpoint store.
package cache

import (
	"context"
	"time"
)

// CacheService defines the cache service interface.
type CacheService interface {
	// Get retrieves a value from cache.
	// Returns: value, whether it exists
	Get(ctx context.Context, key string) ([]byte, bool)

	// Set stores a value in cache.
	// ttl: expiration time (0 = default)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Invalidate invalidates cache entries.
	// pattern: exact key or prefix wildcard (session:abc:*)
	Invalidate(ctx context.Context, pattern string) error
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Size   int   `json:"size"`
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

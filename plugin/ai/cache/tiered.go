package cache

import (
	"context"
	"log/slog"
	"time"
)

// TieredCache checks a fast local L1 before a shared L2.
// L2 failures degrade to L1-only behavior.
type TieredCache struct {
	l1 CacheService
	l2 CacheService
}

// NewTieredCache combines two caches. A nil l2 makes the tiered cache L1 only.
func NewTieredCache(l1, l2 CacheService) *TieredCache {
	return &TieredCache{l1: l1, l2: l2}
}

func (t *TieredCache) Get(ctx context.Context, key string) ([]byte, bool) {
	if v, ok := t.l1.Get(ctx, key); ok {
		return v, true
	}
	if t.l2 == nil {
		return nil, false
	}
	v, ok := t.l2.Get(ctx, key)
	if ok {
		// Promote to L1
		_ = t.l1.Set(ctx, key, v, 0)
	}
	return v, ok
}

func (t *TieredCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := t.l1.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	if t.l2 != nil {
		if err := t.l2.Set(ctx, key, value, ttl); err != nil {
			slog.Warn("failed to set L2 cache value", "key", key, "error", err)
		}
	}
	return nil
}

func (t *TieredCache) Invalidate(ctx context.Context, pattern string) error {
	if err := t.l1.Invalidate(ctx, pattern); err != nil {
		return err
	}
	if t.l2 != nil {
		return t.l2.Invalidate(ctx, pattern)
	}
	return nil
}

var _ CacheService = (*TieredCache)(nil)

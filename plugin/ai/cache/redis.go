package cache

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is a CacheService shared by every instance pointing at the same Redis.
type RedisCache struct {
	client     redis.UniversalClient
	keyPrefix  string
	defaultTTL time.Duration
}

// NewRedisCache wraps an existing client. Keys are namespaced with keyPrefix.
func NewRedisCache(client redis.UniversalClient, keyPrefix string, defaultTTL time.Duration) *RedisCache {
	if keyPrefix == "" {
		keyPrefix = "companion:"
	}
	if defaultTTL <= 0 {
		defaultTTL = 30 * time.Minute
	}
	return &RedisCache{client: client, keyPrefix: keyPrefix, defaultTTL: defaultTTL}
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	data, err := r.client.Get(ctx, r.keyPrefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("failed to get cache value", "key", key, "error", err)
		}
		return nil, false
	}
	return data, true
}

func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = r.defaultTTL
	}
	return r.client.Set(ctx, r.keyPrefix+key, value, ttl).Err()
}

func (r *RedisCache) Invalidate(ctx context.Context, pattern string) error {
	prefix, wildcard := strings.CutSuffix(pattern, "*")
	if !wildcard {
		return r.client.Del(ctx, r.keyPrefix+pattern).Err()
	}

	iter := r.client.Scan(ctx, 0, r.keyPrefix+prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= 100 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) > 0 {
		return r.client.Del(ctx, keys...).Err()
	}
	return nil
}

var _ CacheService = (*RedisCache)(nil)

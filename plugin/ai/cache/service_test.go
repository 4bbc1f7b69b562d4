package cache

import (
	"context"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRU_BasicOperations(t *testing.T) {
	cache := NewLRU[string](100, time.Minute)

	t.Run("SetAndGet", func(t *testing.T) {
		cache.Set("key1", "value1", 0)

		val, ok := cache.Get("key1")
		assert.True(t, ok)
		assert.Equal(t, "value1", val)
	})

	t.Run("GetNonExistent", func(t *testing.T) {
		val, ok := cache.Get("nonexistent")
		assert.False(t, ok)
		assert.Empty(t, val)
	})

	t.Run("UpdateExisting", func(t *testing.T) {
		cache.Set("key2", "original", 0)
		cache.Set("key2", "updated", 0)

		val, ok := cache.Get("key2")
		assert.True(t, ok)
		assert.Equal(t, "updated", val)
	})
}

func TestLRU_Expiration(t *testing.T) {
	cache := NewLRU[int](100, time.Minute)
	now := time.Now()
	cache.now = func() time.Time { return now }

	cache.Set("expiring", 1, time.Second)
	_, ok := cache.Get("expiring")
	assert.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok = cache.Get("expiring")
	assert.False(t, ok)

	cache.Set("a", 1, time.Second)
	cache.Set("b", 2, time.Hour)
	now = now.Add(2 * time.Second)
	assert.Equal(t, 1, cache.RemoveExpired())
	assert.Equal(t, 1, cache.Len())
}

func TestLRU_Eviction(t *testing.T) {
	cache := NewLRU[[]byte](3, time.Minute)

	cache.Set("key1", []byte("1"), 0)
	cache.Set("key2", []byte("2"), 0)
	cache.Set("key3", []byte("3"), 0)
	assert.Equal(t, 3, cache.Len())

	// Access key1 to make it recently used
	cache.Get("key1")

	// key2 is now the least recently used
	cache.Set("key4", []byte("4"), 0)
	assert.Equal(t, 3, cache.Len())

	_, ok := cache.Get("key2")
	assert.False(t, ok)
	_, ok = cache.Get("key1")
	assert.True(t, ok)
}

func TestLRU_Invalidate(t *testing.T) {
	cache := NewLRU[string](100, time.Minute)

	t.Run("ExactMatch", func(t *testing.T) {
		cache.Set("session:1", "1", 0)
		cache.Set("session:2", "2", 0)

		assert.Equal(t, 1, cache.Invalidate("session:1"))
		_, ok := cache.Get("session:1")
		assert.False(t, ok)
		_, ok = cache.Get("session:2")
		assert.True(t, ok)
	})

	t.Run("WildcardPattern", func(t *testing.T) {
		cache.Purge()
		cache.Set("session:1:state", "1", 0)
		cache.Set("session:1:turns", "2", 0)
		cache.Set("session:2:state", "3", 0)

		assert.Equal(t, 2, cache.Invalidate("session:1:*"))
		_, ok := cache.Get("session:2:state")
		assert.True(t, ok)
	})
}

func TestLRU_ConcurrentAccess(t *testing.T) {
	cache := NewLRU[int](10, time.Minute)
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			cache.Set(strconv.Itoa(n%26), n, 0)
		}(i)
		go func(n int) {
			defer wg.Done()
			cache.Get(strconv.Itoa(n % 26))
		}(i)
	}

	wg.Wait()
	assert.LessOrEqual(t, cache.Len(), 10)
}

func TestService_BasicOperations(t *testing.T) {
	svc := NewService(ServiceConfig{
		Capacity:        100,
		DefaultTTL:      time.Minute,
		CleanupInterval: time.Hour,
	})
	defer svc.Close()

	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, "key1", []byte("value1"), 0))
	val, ok := svc.Get(ctx, "key1")
	assert.True(t, ok)
	assert.Equal(t, []byte("value1"), val)

	_, ok = svc.Get(ctx, "missing")
	assert.False(t, ok)

	require.NoError(t, svc.Invalidate(ctx, "key*"))
	_, ok = svc.Get(ctx, "key1")
	assert.False(t, ok)

	stats := svc.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(2), stats.Misses)
	assert.Equal(t, 0, stats.Size)
}

func TestService_CloseTwice(t *testing.T) {
	svc := NewService(DefaultServiceConfig())
	svc.Close()
	svc.Close()
}

func TestTieredCache(t *testing.T) {
	ctx := context.Background()
	l1 := NewService(DefaultServiceConfig())
	l2 := NewService(DefaultServiceConfig())
	defer l1.Close()
	defer l2.Close()

	tiered := NewTieredCache(l1, l2)

	require.NoError(t, tiered.Set(ctx, "k", []byte("v"), 0))
	_, ok := l2.Get(ctx, "k")
	assert.True(t, ok, "write-through to L2")

	// Drop from L1, the next read is served by L2 and promoted.
	require.NoError(t, l1.Invalidate(ctx, "k"))
	v, ok := tiered.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)
	_, ok = l1.Get(ctx, "k")
	assert.True(t, ok, "promoted to L1")

	require.NoError(t, tiered.Invalidate(ctx, "k"))
	_, ok = tiered.Get(ctx, "k")
	assert.False(t, ok)

	l1Only := NewTieredCache(l1, nil)
	require.NoError(t, l1Only.Set(ctx, "x", []byte("y"), 0))
	_, ok = l1Only.Get(ctx, "x")
	assert.True(t, ok)
}

func TestRedisCache(t *testing.T) {
	addr := os.Getenv("COMPANION_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("COMPANION_TEST_REDIS_ADDR not set")
	}

	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	rc := NewRedisCache(client, "companion-test:"+strconv.FormatInt(time.Now().UnixNano(), 10)+":", time.Minute)

	require.NoError(t, rc.Set(ctx, "session:1:a", []byte("1"), 0))
	require.NoError(t, rc.Set(ctx, "session:1:b", []byte("2"), 0))
	v, ok := rc.Get(ctx, "session:1:a")
	require.True(t, ok)
	assert.Equal(t, []byte("1"), v)

	require.NoError(t, rc.Invalidate(ctx, "session:1:*"))
	_, ok = rc.Get(ctx, "session:1:b")
	assert.False(t, ok)
}

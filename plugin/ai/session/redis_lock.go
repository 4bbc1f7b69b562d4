package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultRedisLockTTL bounds how long a crashed holder blocks a session.
	DefaultRedisLockTTL = 60 * time.Second
	// DefaultRedisLockRetry is the polling interval while waiting for the lock.
	DefaultRedisLockRetry = 50 * time.Millisecond

	redisLockPrefix = "generation:"
)

// Compare-and-delete / compare-and-extend so a holder never touches a lock it lost.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisLocker is a cross-process Locker backed by SET NX PX.
// While held, the key TTL is extended in the background.
type RedisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	retry  time.Duration
}

// RedisLockConfig configures a RedisLocker.
type RedisLockConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
	Retry    time.Duration
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, cfg RedisLockConfig) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.Addr)
	if err != nil {
		opt = &redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	slog.Info("Redis session lock connected", "addr", opt.Addr)
	return client, nil
}

// NewRedisLocker creates a distributed lock over client.
func NewRedisLocker(client redis.UniversalClient, ttl, retry time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultRedisLockTTL
	}
	if retry <= 0 {
		retry = DefaultRedisLockRetry
	}
	return &RedisLocker{client: client, ttl: ttl, retry: retry}
}

func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	fullKey := redisLockPrefix + key
	token := uuid.NewString()

	for {
		ok, err := r.client.SetNX(ctx, fullKey, token, r.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, errors.Wrapf(err, "failed to acquire lock %s", fullKey)
		}
		if ok {
			break
		}

		timer := time.NewTimer(r.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.keepAlive(fullKey, token, stop)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			wg.Wait()

			// The request context may already be cancelled, release must still happen.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, r.client, []string{fullKey}, token).Err(); err != nil {
				slog.Warn("failed to release redis lock", "key", fullKey, "error", err)
			}
		})
	}, nil
}

func (r *RedisLocker) keepAlive(key, token string, stop <-chan struct{}) {
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.ttl/3)
			n, err := extendScript.Run(ctx, r.client, []string{key}, token, r.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				slog.Warn("failed to extend redis lock", "key", key, "error", err)
				continue
			}
			if n == 0 {
				slog.Warn("redis lock lost while held", "key", key)
				return
			}
		}
	}
}

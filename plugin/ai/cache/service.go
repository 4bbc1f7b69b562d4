package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// ServiceConfig configures the cache service.
type ServiceConfig struct {
	Capacity        int           // Maximum number of entries (default: 1000)
	DefaultTTL      time.Duration // Default TTL for entries (default: 5 minutes)
	CleanupInterval time.Duration // Interval for expired entry cleanup (default: 1 minute)
}

// DefaultServiceConfig returns default cache service configuration.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Capacity:        1000,
		DefaultTTL:      5 * time.Minute,
		CleanupInterval: time.Minute,
	}
}

// Service is an in-process CacheService over an LRU with a background sweeper.
type Service struct {
	lru *LRU[[]byte]

	hits   atomic.Int64
	misses atomic.Int64

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewService creates a new cache service. Call Close to stop the sweeper.
func NewService(cfg ServiceConfig) *Service {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}

	s := &Service{
		lru:  NewLRU[[]byte](cfg.Capacity, cfg.DefaultTTL),
		stop: make(chan struct{}),
	}

	s.wg.Add(1)
	go s.sweep(cfg.CleanupInterval)

	return s
}

// Close stops the sweeper. It is safe to call more than once.
func (s *Service) Close() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
}

func (s *Service) Get(_ context.Context, key string) ([]byte, bool) {
	v, ok := s.lru.Get(key)
	if ok {
		s.hits.Add(1)
	} else {
		s.misses.Add(1)
	}
	return v, ok
}

func (s *Service) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.lru.Set(key, value, ttl)
	return nil
}

func (s *Service) Invalidate(_ context.Context, pattern string) error {
	s.lru.Invalidate(pattern)
	return nil
}

// Stats returns hit/miss counters and the current size.
func (s *Service) Stats() Stats {
	return Stats{Size: s.lru.Len(), Hits: s.hits.Load(), Misses: s.misses.Load()}
}

func (s *Service) sweep(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.lru.RemoveExpired()
		}
	}
}

var _ CacheService = (*Service)(nil)

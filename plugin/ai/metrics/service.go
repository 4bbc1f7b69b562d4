package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultRetention is how long hourly buckets are kept.
const DefaultRetention = 24 * time.Hour

// Service implements MetricsService over an Aggregator and prunes old buckets hourly.
type Service struct {
	aggregator *Aggregator
	retention  time.Duration

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewService creates a new metrics service. Call Close to stop pruning.
func NewService(retention time.Duration) *Service {
	if retention <= 0 {
		retention = DefaultRetention
	}
	s := &Service{
		aggregator: NewAggregator(),
		retention:  retention,
		stop:       make(chan struct{}),
	}

	s.wg.Add(1)
	go s.pruneLoop(time.Hour)
	return s
}

// Close stops the service.
func (s *Service) Close() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
}

func (s *Service) RecordTurn(_ context.Context, handler string, latency time.Duration, success bool) {
	s.aggregator.Record(KindTurn, handler, latency, success)
}

func (s *Service) RecordToolCall(_ context.Context, toolName string, latency time.Duration, success bool) {
	s.aggregator.Record(KindTool, toolName, latency, success)
}

func (s *Service) RecordGeneratorAttempt(_ context.Context, provider string, latency time.Duration, success bool) {
	s.aggregator.Record(KindGenerator, provider, latency, success)
}

func (s *Service) GetStats(_ context.Context, since time.Time) *Snapshot {
	return s.aggregator.Snapshot(since)
}

func (s *Service) pruneLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if n := s.aggregator.Prune(time.Now().Add(-s.retention)); n > 0 {
				slog.Debug("pruned metric buckets", "count", n)
			}
		}
	}
}

// Noop discards every record.
type Noop struct{}

func (Noop) RecordTurn(context.Context, string, time.Duration, bool)             {}
func (Noop) RecordToolCall(context.Context, string, time.Duration, bool)         {}
func (Noop) RecordGeneratorAttempt(context.Context, string, time.Duration, bool) {}
func (Noop) GetStats(context.Context, time.Time) *Snapshot {
	return &Snapshot{Handlers: map[string]*Stat{}, Tools: map[string]*Stat{}, Generators: map[string]*Stat{}}
}

var (
	_ MetricsService = (*Service)(nil)
	_ MetricsService = Noop{}
)

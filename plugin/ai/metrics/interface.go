// Package metrics aggregates turn, tool and generator metrics in memory.
package metrics

import (
	"context"
	"time"
)

// MetricsService records what the engine does and reports aggregated stats.
type MetricsService interface {
	// RecordTurn records one processed turn for the handler that served it.
	RecordTurn(ctx context.Context, handler string, latency time.Duration, success bool)

	// RecordToolCall records tool call metrics.
	RecordToolCall(ctx context.Context, toolName string, latency time.Duration, success bool)

	// RecordGeneratorAttempt records one attempt against a generator provider.
	RecordGeneratorAttempt(ctx context.Context, provider string, latency time.Duration, success bool)

	// GetStats aggregates the hours starting at or after since. A zero since
	// covers the whole retained window.
	GetStats(ctx context.Context, since time.Time) *Snapshot
}

// Snapshot represents aggregated metrics.
type Snapshot struct {
	TurnCount    int64            `json:"turn_count"`
	SuccessCount int64            `json:"success_count"`
	LatencyP50   time.Duration    `json:"latency_p50"`
	LatencyP95   time.Duration    `json:"latency_p95"`
	Handlers     map[string]*Stat `json:"handlers"`
	Tools        map[string]*Stat `json:"tools"`
	Generators   map[string]*Stat `json:"generators"`
}

// Stat represents statistics for a single handler, tool or provider.
type Stat struct {
	Count       int64         `json:"count"`
	SuccessRate float32       `json:"success_rate"`
	AvgLatency  time.Duration `json:"avg_latency"`
	LatencyP95  time.Duration `json:"latency_p95"`
}

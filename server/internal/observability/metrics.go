package observability

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects request counters and latencies of the HTTP surface.
type Metrics struct {
	mu sync.Mutex

	requestTotal  atomic.Int64
	requestFailed atomic.Int64

	routes map[string]*RouteMetrics

	// Ring of the most recent durations for percentile estimates.
	durations    []time.Duration
	maxDurations int
}

// RouteMetrics holds the counters of a single route.
type RouteMetrics struct {
	count         atomic.Int64
	failed        atomic.Int64
	totalDuration atomic.Int64 // milliseconds
}

// NewMetrics creates a new metrics collector.
func NewMetrics(maxDurations int) *Metrics {
	if maxDurations <= 0 {
		maxDurations = 1000
	}
	return &Metrics{
		routes:       make(map[string]*RouteMetrics),
		durations:    make([]time.Duration, 0, maxDurations),
		maxDurations: maxDurations,
	}
}

// RecordRequest records one finished request. Statuses of 500 and above count
// as failures.
func (m *Metrics) RecordRequest(route string, status int, duration time.Duration) {
	m.mu.Lock()
	rm, ok := m.routes[route]
	if !ok {
		rm = &RouteMetrics{}
		m.routes[route] = rm
	}
	if len(m.durations) >= m.maxDurations {
		m.durations = m.durations[1:]
	}
	m.durations = append(m.durations, duration)
	m.mu.Unlock()

	m.requestTotal.Add(1)
	rm.count.Add(1)
	rm.totalDuration.Add(duration.Milliseconds())
	if status >= 500 {
		m.requestFailed.Add(1)
		rm.failed.Add(1)
	}
}

// Reset resets all metrics.
func (m *Metrics) Reset() {
	m.requestTotal.Store(0)
	m.requestFailed.Store(0)

	m.mu.Lock()
	m.routes = make(map[string]*RouteMetrics)
	m.durations = make([]time.Duration, 0, m.maxDurations)
	m.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the metrics.
func (m *Metrics) Snapshot() *MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	routes := make(map[string]RouteSnapshot, len(m.routes))
	for route, rm := range m.routes {
		snap := RouteSnapshot{
			Count:  rm.count.Load(),
			Failed: rm.failed.Load(),
		}
		if snap.Count > 0 {
			snap.AvgLatencyMs = rm.totalDuration.Load() / snap.Count
		}
		routes[route] = snap
	}

	sorted := slices.Clone(m.durations)
	slices.Sort(sorted)
	return &MetricsSnapshot{
		RequestTotal:  m.requestTotal.Load(),
		RequestFailed: m.requestFailed.Load(),
		P50LatencyMs:  percentile(sorted, 0.50).Milliseconds(),
		P95LatencyMs:  percentile(sorted, 0.95).Milliseconds(),
		Routes:        routes,
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

// MetricsSnapshot represents a point-in-time snapshot of metrics.
type MetricsSnapshot struct {
	RequestTotal  int64                    `json:"request_total"`
	RequestFailed int64                    `json:"request_failed"`
	P50LatencyMs  int64                    `json:"p50_latency_ms"`
	P95LatencyMs  int64                    `json:"p95_latency_ms"`
	Routes        map[string]RouteSnapshot `json:"routes"`
}

// RouteSnapshot represents the metrics of one route.
type RouteSnapshot struct {
	Count        int64 `json:"count"`
	Failed       int64 `json:"failed"`
	AvgLatencyMs int64 `json:"avg_latency_ms"`
}

// SuccessRate returns the success rate as a percentage (0-100).
func (s *MetricsSnapshot) SuccessRate() float64 {
	if s.RequestTotal == 0 {
		return 100.0
	}
	return float64(s.RequestTotal-s.RequestFailed) / float64(s.RequestTotal) * 100.0
}

package metrics

import (
	"sort"
	"sync"
	"time"
)

// Kind separates the three recorded series.
type Kind string

const (
	KindTurn      Kind = "turn"
	KindTool      Kind = "tool"
	KindGenerator Kind = "generator"
)

// Aggregator aggregates metrics in hourly buckets.
type Aggregator struct {
	mu sync.RWMutex

	// key = "kind|hourBucket|name"
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	kind         Kind
	hourBucket   time.Time
	name         string
	count        int64
	successCount int64
	latencies    []int64 // in milliseconds
}

// NewAggregator creates a new metrics aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Record adds one observation to the current hour's bucket.
func (a *Aggregator) Record(kind Kind, name string, latency time.Duration, success bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	hourBucket := truncateToHour(a.now())
	key := string(kind) + "|" + hourBucket.Format(time.RFC3339) + "|" + name

	b, exists := a.buckets[key]
	if !exists {
		b = &bucket{
			kind:       kind,
			hourBucket: hourBucket,
			name:       name,
			latencies:  make([]int64, 0, 16),
		}
		a.buckets[key] = b
	}

	b.count++
	if success {
		b.successCount++
	}
	b.latencies = append(b.latencies, latency.Milliseconds())
}

// Prune drops buckets for hours before the given time and returns how many were dropped.
func (a *Aggregator) Prune(before time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for key, b := range a.buckets {
		if b.hourBucket.Before(truncateToHour(before)) {
			delete(a.buckets, key)
			n++
		}
	}
	return n
}

// Snapshot aggregates the buckets of hours starting at or after since.
func (a *Aggregator) Snapshot(since time.Time) *Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	snap := &Snapshot{
		Handlers:   make(map[string]*Stat),
		Tools:      make(map[string]*Stat),
		Generators: make(map[string]*Stat),
	}

	type agg struct {
		count, success int64
		latencies      []int64
	}
	perName := map[Kind]map[string]*agg{
		KindTurn:      {},
		KindTool:      {},
		KindGenerator: {},
	}

	var turnLatencies []int64
	from := truncateToHour(since)
	for _, b := range a.buckets {
		if b.hourBucket.Before(from) {
			continue
		}
		if b.kind == KindTurn {
			snap.TurnCount += b.count
			snap.SuccessCount += b.successCount
			turnLatencies = append(turnLatencies, b.latencies...)
		}
		g, ok := perName[b.kind][b.name]
		if !ok {
			g = &agg{}
			perName[b.kind][b.name] = g
		}
		g.count += b.count
		g.success += b.successCount
		g.latencies = append(g.latencies, b.latencies...)
	}

	snap.LatencyP50 = time.Duration(percentile(turnLatencies, 50)) * time.Millisecond
	snap.LatencyP95 = time.Duration(percentile(turnLatencies, 95)) * time.Millisecond

	targets := map[Kind]map[string]*Stat{
		KindTurn:      snap.Handlers,
		KindTool:      snap.Tools,
		KindGenerator: snap.Generators,
	}
	for kind, names := range perName {
		for name, g := range names {
			stat := &Stat{Count: g.count}
			if g.count > 0 {
				stat.SuccessRate = float32(g.success) / float32(g.count)
				stat.AvgLatency = time.Duration(sumLatencies(g.latencies)/g.count) * time.Millisecond
				stat.LatencyP95 = time.Duration(percentile(g.latencies, 95)) * time.Millisecond
			}
			targets[kind][name] = stat
		}
	}
	return snap
}

// Helper functions

func truncateToHour(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location())
}

func sumLatencies(latencies []int64) int64 {
	var sum int64
	for _, l := range latencies {
		sum += l
	}
	return sum
}

func percentile(latencies []int64, p int) int64 {
	if len(latencies) == 0 {
		return 0
	}

	sorted := make([]int64, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := (len(sorted) - 1) * p / 100
	return sorted[idx]
}

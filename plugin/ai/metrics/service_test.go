package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregator_Snapshot(t *testing.T) {
	a := NewAggregator()

	for i := 1; i <= 10; i++ {
		a.Record(KindTurn, "triage", time.Duration(i*100)*time.Millisecond, i != 10)
	}
	a.Record(KindTurn, "greeting", 0, true)
	a.Record(KindTool, "create_appointment", 40*time.Millisecond, true)
	a.Record(KindTool, "create_appointment", 60*time.Millisecond, false)
	a.Record(KindGenerator, "deepseek/deepseek-chat", time.Second, false)

	snap := a.Snapshot(time.Time{})
	assert.Equal(t, int64(11), snap.TurnCount)
	assert.Equal(t, int64(10), snap.SuccessCount)
	assert.Equal(t, 500*time.Millisecond, snap.LatencyP50)
	assert.Equal(t, 900*time.Millisecond, snap.LatencyP95)

	require.Contains(t, snap.Handlers, "triage")
	assert.Equal(t, int64(10), snap.Handlers["triage"].Count)
	assert.InDelta(t, 0.9, snap.Handlers["triage"].SuccessRate, 0.001)

	tool := snap.Tools["create_appointment"]
	require.NotNil(t, tool)
	assert.Equal(t, 50*time.Millisecond, tool.AvgLatency)
	assert.InDelta(t, 0.5, tool.SuccessRate, 0.001)

	assert.Zero(t, snap.Generators["deepseek/deepseek-chat"].SuccessRate)
}

func TestAggregator_Prune(t *testing.T) {
	a := NewAggregator()
	now := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)

	a.now = func() time.Time { return now.Add(-3 * time.Hour) }
	a.Record(KindTurn, "checkin", time.Millisecond, true)
	a.now = func() time.Time { return now }
	a.Record(KindTurn, "checkin", time.Millisecond, true)

	assert.Equal(t, int64(2), a.Snapshot(time.Time{}).TurnCount)
	assert.Equal(t, int64(1), a.Snapshot(now.Add(-time.Hour)).TurnCount, "older hours are outside the window")

	assert.Equal(t, 1, a.Prune(now.Add(-time.Hour)))
	assert.Equal(t, int64(1), a.Snapshot(time.Time{}).TurnCount)
}

func TestService(t *testing.T) {
	ctx := context.Background()
	svc := NewService(0)
	defer svc.Close()

	svc.RecordTurn(ctx, "medication", 20*time.Millisecond, true)
	svc.RecordToolCall(ctx, "get_medications", 5*time.Millisecond, true)
	svc.RecordGeneratorAttempt(ctx, "ollama/qwen2.5:7b", 10*time.Millisecond, true)

	stats := svc.GetStats(ctx, time.Time{})
	assert.Equal(t, int64(1), stats.TurnCount)
	assert.Len(t, stats.Tools, 1)
	assert.Len(t, stats.Generators, 1)

	svc.Close()

	empty := Noop{}.GetStats(ctx, time.Time{})
	assert.Zero(t, empty.TurnCount)
}

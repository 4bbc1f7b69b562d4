package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/companion/plugin/ai/metrics"
)

const objectSchema = `{"type":"object","properties":{}}`

type callLog struct {
	mu    sync.Mutex
	calls []string
	args  map[string]map[string]any
	keys  map[string]string
}

func newCallLog() *callLog {
	return &callLog{args: map[string]map[string]any{}, keys: map[string]string{}}
}

func (l *callLog) record(ctx context.Context, name string, raw json.RawMessage) {
	var args map[string]any
	_ = json.Unmarshal(raw, &args)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, name)
	l.args[name] = args
	l.keys[name] = IdempotencyKeyFromContext(ctx)
}

func (l *callLog) order() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func newAppointmentRegistry(t *testing.T, log *callLog, createErr error) *ToolRegistry {
	t.Helper()
	r := NewToolRegistry()
	require.NoError(t, r.Register(NewBaseTool("create_appointment", "Create an appointment", objectSchema,
		func(ctx context.Context, args json.RawMessage) (any, error) {
			log.record(ctx, "create_appointment", args)
			if createErr != nil {
				return nil, createErr
			}
			return map[string]any{"id": "apt-1", "status": "scheduled"}, nil
		},
		WithSideEffect(),
	)))
	require.NoError(t, r.Register(NewBaseTool("create_following", "Create a following", objectSchema,
		func(ctx context.Context, args json.RawMessage) (any, error) {
			log.record(ctx, "create_following", args)
			return map[string]any{"id": "fol-1"}, nil
		},
		WithSideEffect(),
		WithDependency("create_appointment", "id", "appointment_id"),
	)))
	require.NoError(t, r.Seal())
	return r
}

func TestScheduler_DependencyOrderAndInjection(t *testing.T) {
	log := newCallLog()
	s := NewScheduler(newAppointmentRegistry(t, log, nil), 4, nil)

	// The consumer is listed first, the declared edge still forces order.
	reqs := []ActionRequest{
		{CallID: "c2", Name: "create_following", Arguments: json.RawMessage(`{"type":"control"}`)},
		{CallID: "c1", Name: "create_appointment", Arguments: json.RawMessage(`{"date":"2026-10-20"}`)},
	}
	obs := s.Execute(context.Background(), reqs, func(tool string) string { return "key-" + tool })

	require.Len(t, obs, 2)
	assert.Equal(t, "c2", obs[0].CallID)
	assert.Equal(t, "c1", obs[1].CallID)
	assert.True(t, obs[0].Success, obs[0].Error)
	assert.True(t, obs[1].Success, obs[1].Error)
	assert.True(t, obs[0].SideEffect)

	assert.Equal(t, []string{"create_appointment", "create_following"}, log.order())
	assert.Equal(t, "apt-1", log.args["create_following"]["appointment_id"])
	assert.Equal(t, "control", log.args["create_following"]["type"])
	assert.Equal(t, "key-create_following", log.keys["create_following"])
	assert.Equal(t, "key-create_appointment", obs[1].IdempotencyKey)
}

func TestScheduler_FailedDependency(t *testing.T) {
	log := newCallLog()
	s := NewScheduler(newAppointmentRegistry(t, log, errors.New("slot taken")), 4, nil)

	reqs := []ActionRequest{
		{CallID: "c1", Name: "create_appointment", Arguments: json.RawMessage(`{}`)},
		{CallID: "c2", Name: "create_following", Arguments: json.RawMessage(`{}`)},
	}
	obs := s.Execute(context.Background(), reqs, nil)

	require.Len(t, obs, 2)
	assert.False(t, obs[0].Success)
	assert.Contains(t, obs[0].Error, "slot taken")
	assert.False(t, obs[1].Success)
	assert.Contains(t, obs[1].Error, ErrDependencyFailed.Error())
	assert.Equal(t, "permanent", obs[1].ErrorClass)
	assert.Equal(t, []string{"create_appointment"}, log.order(), "dependent tool must not run")
}

func TestScheduler_PairsConsumersWithProducers(t *testing.T) {
	r := NewToolRegistry()
	var n atomic.Int32
	require.NoError(t, r.Register(NewBaseTool("create_appointment", "Create", objectSchema,
		func(ctx context.Context, args json.RawMessage) (any, error) {
			return map[string]any{"id": "apt-" + string(rune('0'+n.Add(1)))}, nil
		},
		WithSideEffect(),
	)))
	require.NoError(t, r.Register(NewBaseTool("create_following", "Link", objectSchema,
		func(ctx context.Context, args json.RawMessage) (any, error) {
			var a map[string]any
			_ = json.Unmarshal(args, &a)
			return map[string]any{"linked": a["appointment_id"]}, nil
		},
		WithDependency("create_appointment", "id", "appointment_id"),
	)))
	s := NewScheduler(r, 1, nil)

	obs := s.Execute(context.Background(), []ActionRequest{
		{CallID: "a1", Name: "create_appointment"},
		{CallID: "a2", Name: "create_appointment"},
		{CallID: "f1", Name: "create_following"},
		{CallID: "f2", Name: "create_following"},
	}, nil)

	require.Len(t, obs, 4)
	var first, second map[string]any
	require.NoError(t, json.Unmarshal(obs[0].Output, &first))
	require.NoError(t, json.Unmarshal(obs[1].Output, &second))

	var link1, link2 map[string]any
	require.NoError(t, json.Unmarshal(obs[2].Output, &link1))
	require.NoError(t, json.Unmarshal(obs[3].Output, &link2))
	assert.Equal(t, first["id"], link1["linked"])
	assert.Equal(t, second["id"], link2["linked"])
}

func TestScheduler_UnknownTool(t *testing.T) {
	r := NewToolRegistry()
	require.NoError(t, r.Seal())
	s := NewScheduler(r, 2, nil)

	obs := s.Execute(context.Background(), []ActionRequest{{CallID: "x", Name: "launch_rocket"}}, nil)

	require.Len(t, obs, 1)
	assert.False(t, obs[0].Success)
	assert.Equal(t, "launch_rocket", obs[0].Name)
	assert.Contains(t, obs[0].Error, ErrToolNotFound.Error())
}

func TestScheduler_ParallelFanOut(t *testing.T) {
	r := NewToolRegistry()
	var running, peak atomic.Int32
	release := make(chan struct{})
	for _, name := range []string{"a", "b", "c", "d"} {
		require.NoError(t, r.Register(NewBaseTool(name, name, objectSchema,
			func(ctx context.Context, args json.RawMessage) (any, error) {
				cur := running.Add(1)
				for {
					p := peak.Load()
					if cur <= p || peak.CompareAndSwap(p, cur) {
						break
					}
				}
				<-release
				running.Add(-1)
				return "ok", nil
			},
		)))
	}
	s := NewScheduler(r, 2, nil)

	done := make(chan []Observation)
	go func() {
		done <- s.Execute(context.Background(), []ActionRequest{
			{CallID: "1", Name: "a"}, {CallID: "2", Name: "b"},
			{CallID: "3", Name: "c"}, {CallID: "4", Name: "d"},
		}, nil)
	}()

	require.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, 5*time.Millisecond)
	close(release)
	obs := <-done

	assert.Equal(t, int32(2), peak.Load())
	for _, o := range obs {
		assert.True(t, o.Success)
		assert.JSONEq(t, `"ok"`, string(o.Output))
	}
}

func TestScheduler_RuleRejection(t *testing.T) {
	r := NewToolRegistry()
	ran := false
	require.NoError(t, r.Register(NewBaseTool("add_medication", "Add", objectSchema,
		func(ctx context.Context, args json.RawMessage) (any, error) {
			ran = true
			return nil, nil
		},
		WithRule(`has(args.name) && size(args.name) > 0`),
	)))
	s := NewScheduler(r, 1, nil)

	obs := s.Execute(context.Background(), []ActionRequest{
		{CallID: "1", Name: "add_medication", Arguments: json.RawMessage(`{"dose":"50 mg"}`)},
	}, nil)

	require.Len(t, obs, 1)
	assert.False(t, obs[0].Success)
	assert.Contains(t, obs[0].Error, ErrInvalidArguments.Error())
	assert.False(t, ran)

	obs = s.Execute(context.Background(), []ActionRequest{
		{CallID: "2", Name: "add_medication", Arguments: json.RawMessage(`{"name":"Estradiol"}`)},
	}, nil)
	assert.True(t, obs[0].Success)
	assert.True(t, ran)
}

func TestScheduler_PanicAndTimeout(t *testing.T) {
	r := NewToolRegistry()
	require.NoError(t, r.Register(NewBaseTool("boom", "Panics", objectSchema,
		func(ctx context.Context, args json.RawMessage) (any, error) {
			panic("kaboom")
		},
	)))
	require.NoError(t, r.Register(NewBaseTool("slow", "Blocks", objectSchema,
		func(ctx context.Context, args json.RawMessage) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
		WithTimeout(20*time.Millisecond),
	)))
	svc := metrics.NewService(time.Hour)
	defer svc.Close()
	s := NewScheduler(r, 2, svc)

	obs := s.Execute(context.Background(), []ActionRequest{
		{CallID: "1", Name: "boom"},
		{CallID: "2", Name: "slow"},
	}, nil)

	assert.False(t, obs[0].Success)
	assert.Contains(t, obs[0].Error, "panicked")
	assert.False(t, obs[1].Success)
	assert.Equal(t, "transient", obs[1].ErrorClass)
	assert.True(t, obs[1].Retryable)

	stats := svc.GetStats(context.Background(), time.Time{})
	require.NotNil(t, stats)
	require.Contains(t, stats.Tools, "boom")
	require.Contains(t, stats.Tools, "slow")
	assert.Equal(t, int64(1), stats.Tools["boom"].Count)
	assert.Zero(t, stats.Tools["slow"].SuccessRate)
}

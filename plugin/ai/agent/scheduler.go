package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hrygo/companion/plugin/ai/metrics"
	"github.com/hrygo/companion/plugin/ai/timeout"
)

// KeyFunc returns the idempotency key of the next side-effecting invocation of tool.
type KeyFunc func(tool string) string

// Scheduler executes one batch of action requests. Requests linked by a declared
// dependency run in order, everything else in the same wave runs in parallel.
type Scheduler struct {
	registry       *ToolRegistry
	fanOut         int
	defaultTimeout time.Duration
	metrics        metrics.MetricsService
}

// NewScheduler creates a scheduler running at most fanOut tools at once.
func NewScheduler(registry *ToolRegistry, fanOut int, metricsService metrics.MetricsService) *Scheduler {
	if fanOut <= 0 {
		fanOut = timeout.DefaultToolFanOut
	}
	if metricsService == nil {
		metricsService = metrics.Noop{}
	}
	return &Scheduler{
		registry:       registry,
		fanOut:         fanOut,
		defaultTimeout: timeout.ToolExecutionTimeout,
		metrics:        metricsService,
	}
}

type edge struct {
	from int
	dep  Dependency
}

type node struct {
	req  ActionRequest
	tool Tool
	deps []edge
	key  string
	obs  Observation
	done bool
}

// Execute runs reqs and returns one observation per request, in request order.
// It never returns an error: unknown tools, invalid arguments, failed
// dependencies and tool errors all become failure observations.
func (s *Scheduler) Execute(ctx context.Context, reqs []ActionRequest, key KeyFunc) []Observation {
	nodes := make([]*node, len(reqs))
	producers := make(map[string][]int)
	for i, req := range reqs {
		n := &node{req: req}
		nodes[i] = n
		tool, ok := s.registry.Get(req.Name)
		if !ok {
			n.obs = failureObservation(req, fmt.Errorf("%w: %s", ErrToolNotFound, req.Name))
			n.done = true
			continue
		}
		n.tool = tool
		producers[req.Name] = append(producers[req.Name], i)
		if tool.Idempotency() == IdempotencySideEffect && key != nil {
			n.key = key(req.Name)
		}
	}

	// The k-th consumer is paired with the k-th producer of the batch,
	// surplus consumers share the last producer.
	ordinal := make(map[string]int)
	for _, n := range nodes {
		if n.tool == nil {
			continue
		}
		k := ordinal[n.req.Name]
		ordinal[n.req.Name]++
		for _, dep := range n.tool.DependsOn() {
			from := producers[dep.Tool]
			if len(from) == 0 {
				continue
			}
			n.deps = append(n.deps, edge{from: from[min(k, len(from)-1)], dep: dep})
		}
	}

	for wave := 0; ; wave++ {
		var ready []*node
		pending := 0
		for _, n := range nodes {
			if n.done {
				continue
			}
			pending++
			if s.depsDone(n, nodes) {
				ready = append(ready, n)
			}
		}
		if pending == 0 {
			break
		}
		if len(ready) == 0 {
			for _, n := range nodes {
				if !n.done {
					n.obs = failureObservation(n.req, fmt.Errorf("%w: unresolvable dependency order", ErrDependencyFailed))
					n.done = true
				}
			}
			break
		}

		if len(ready) > 1 {
			slog.Debug("running tool wave", "wave", wave, "size", len(ready), "fan_out", s.fanOut)
		}

		g := new(errgroup.Group)
		g.SetLimit(s.fanOut)
		for _, n := range ready {
			g.Go(func() error {
				n.obs = s.run(ctx, n, nodes)
				return nil
			})
		}
		_ = g.Wait()
		for _, n := range ready {
			n.done = true
		}
	}

	out := make([]Observation, len(nodes))
	for i, n := range nodes {
		out[i] = n.obs
	}
	return out
}

func (s *Scheduler) depsDone(n *node, nodes []*node) bool {
	for _, e := range n.deps {
		if !nodes[e.from].done {
			return false
		}
	}
	return true
}

func (s *Scheduler) run(ctx context.Context, n *node, nodes []*node) (obs Observation) {
	req := n.req
	if err := ctx.Err(); err != nil {
		return failureObservation(req, err)
	}

	for _, e := range n.deps {
		if p := nodes[e.from]; !p.obs.Success {
			return failureObservation(req, fmt.Errorf("%w: %s did not succeed", ErrDependencyFailed, p.req.Name))
		}
	}

	args, err := injectDependencies(req.Arguments, n.deps, nodes)
	if err != nil {
		return failureObservation(req, err)
	}
	if _, err := s.registry.Validate(req.Name, args); err != nil {
		return failureObservation(req, err)
	}

	runCtx := ctx
	if n.key != "" {
		runCtx = WithIdempotencyKey(runCtx, n.key)
	}
	d := s.defaultTimeout
	if tp, ok := n.tool.(TimeoutProvider); ok && tp.Timeout() > 0 {
		d = tp.Timeout()
	}
	runCtx, cancel := context.WithTimeout(runCtx, d)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			obs = failureObservation(req, fmt.Errorf("tool %s panicked: %v", req.Name, r))
		}
		obs.SideEffect = n.tool.Idempotency() == IdempotencySideEffect
		obs.IdempotencyKey = n.key
		obs.Duration = time.Since(start)
		s.metrics.RecordToolCall(ctx, req.Name, obs.Duration, obs.Success)
		slog.Debug("tool executed",
			"tool", req.Name,
			"call_id", req.CallID,
			"success", obs.Success,
			"duration_ms", obs.Duration.Milliseconds(),
			"error", obs.Error,
		)
	}()

	output, err := n.tool.Run(runCtx, args)
	if err != nil {
		return failureObservation(req, err)
	}
	if len(output) == 0 {
		output = json.RawMessage(`null`)
	} else if !json.Valid(output) {
		output, _ = json.Marshal(string(output))
	}
	return successObservation(req, output)
}

// injectDependencies copies the producer output fields into the consumer arguments.
func injectDependencies(raw json.RawMessage, deps []edge, nodes []*node) (json.RawMessage, error) {
	if len(deps) == 0 {
		return raw, nil
	}

	args := map[string]any{}
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if err := json.Unmarshal(trimmed, &args); err != nil {
			return nil, fmt.Errorf("%w: arguments must be a JSON object: %v", ErrInvalidArguments, err)
		}
		if args == nil {
			args = map[string]any{}
		}
	}

	for _, e := range deps {
		p := nodes[e.from]
		var produced map[string]any
		if err := json.Unmarshal(p.obs.Output, &produced); err != nil {
			return nil, fmt.Errorf("%w: %s output is not an object", ErrDependencyFailed, p.req.Name)
		}
		v, ok := produced[e.dep.Field]
		if !ok {
			return nil, fmt.Errorf("%w: %s produced no %s", ErrDependencyFailed, p.req.Name, e.dep.Field)
		}
		args[e.dep.Argument] = v
	}

	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return data, nil
}

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hrygo/companion/plugin/ai"
	"github.com/hrygo/companion/plugin/ai/metrics"
	"github.com/hrygo/companion/plugin/ai/timeout"
)

// LoopConfig bounds one agent run.
type LoopConfig struct {
	MaxIterations int
	FanOut        int
	TokenBudget   int
	Temperature   float32
	MaxTokens     int
}

// Loop runs generate, act, observe rounds until the generator answers with text
// or the iteration cap is reached.
type Loop struct {
	generator ai.Generator
	registry  *ToolRegistry
	prompts   *Prompts
	scheduler *Scheduler
	tools     []ai.ToolDefinition
	config    LoopConfig
}

// NewLoop seals registry and creates a loop over it.
func NewLoop(generator ai.Generator, registry *ToolRegistry, prompts *Prompts, cfg LoopConfig, metricsService metrics.MetricsService) (*Loop, error) {
	if generator == nil {
		return nil, errors.New("agent loop requires a generator")
	}
	if err := registry.Seal(); err != nil {
		return nil, err
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = timeout.DefaultMaxIterations
	}
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = DefaultTokenBudget
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	return &Loop{
		generator: generator,
		registry:  registry,
		prompts:   prompts,
		scheduler: NewScheduler(registry, cfg.FanOut, metricsService),
		tools:     registry.Definitions(),
		config:    cfg,
	}, nil
}

// LoopInput is one turn handed to the loop.
type LoopInput struct {
	Identity Identity
	Prompt   PromptData
	History  []ai.Message
	Text     string
}

// Run executes the loop. On error the partial result is returned alongside it,
// so observations of tools that already ran are never lost.
func (l *Loop) Run(ctx context.Context, in *LoopInput) (*LoopResult, error) {
	result := &LoopResult{}

	system, err := l.prompts.Render(TemplateAgentSystem, in.Prompt)
	if err != nil {
		return result, err
	}

	ctx = WithIdentity(ctx, in.Identity)
	ordinals := make(map[string]int)
	key := func(tool string) string {
		n := ordinals[tool]
		ordinals[tool]++
		return IdempotencyKey(in.Identity.SessionID, in.Identity.MessageID, tool, n)
	}

	messages := ai.FormatMessages(system, FitTokenBudget(in.History, l.config.TokenBudget), in.Text)

	for result.Iterations < l.config.MaxIterations {
		result.Iterations++

		start := time.Now()
		res, err := l.generator.Generate(ctx, &ai.GenerateRequest{
			Messages:    messages,
			Tools:       l.tools,
			Temperature: l.config.Temperature,
			MaxTokens:   l.config.MaxTokens,
		})
		if err != nil {
			if c := ClassifyError(err); c != nil {
				slog.Warn("generator failed in agent loop",
					"session_id", in.Identity.SessionID,
					"iteration", result.Iterations,
					"class", c.Class.String(),
					"error", err,
				)
			}
			return result, err
		}
		if err := res.Validate(); err != nil {
			return result, fmt.Errorf("%w: %w", ai.ErrGeneratorUnavailable, err)
		}
		result.Provider = res.Provider

		if res.Kind == ai.ResultText {
			result.Reply = res.Text
			slog.Debug("agent loop answered",
				"session_id", in.Identity.SessionID,
				"iterations", result.Iterations,
				"tools", len(result.Observations),
				"latency_ms", time.Since(start).Milliseconds(),
			)
			return result, nil
		}

		messages = append(messages, ai.Message{Role: ai.RoleAssistant, ToolCalls: res.Actions})
		observations := l.scheduler.Execute(ctx, ActionRequestsFrom(res.Actions), key)
		result.Observations = append(result.Observations, observations...)
		for _, obs := range observations {
			messages = append(messages, ai.Message{
				Role:       ai.RoleTool,
				Content:    obs.Content(),
				ToolCallID: obs.CallID,
			})
		}

		if err := ctx.Err(); err != nil {
			return result, err
		}
	}

	result.LimitReached = true
	result.Reply = l.prompts.Text(TemplateCouldNotComplete)
	slog.Warn("agent loop reached iteration limit",
		"session_id", in.Identity.SessionID,
		"iterations", result.Iterations,
		"tools", len(result.Observations),
	)
	return result, nil
}

// Registry returns the sealed tool registry.
func (l *Loop) Registry() *ToolRegistry {
	return l.registry
}

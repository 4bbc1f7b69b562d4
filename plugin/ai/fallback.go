package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hrygo/companion/plugin/ai/timeout"
)

// AttemptObserver is notified after every provider attempt.
type AttemptObserver func(provider string, latency time.Duration, err error)

// FallbackGenerator tries a primary generator and then each fallback in order.
// Every attempt runs under its own timeout. Chain exhaustion is ErrGeneratorUnavailable.
type FallbackGenerator struct {
	chain          []Generator
	attemptTimeout time.Duration
	observer       AttemptObserver
}

// FallbackOption configures a FallbackGenerator.
type FallbackOption func(*FallbackGenerator)

// WithAttemptTimeout sets the per-attempt timeout.
func WithAttemptTimeout(d time.Duration) FallbackOption {
	return func(f *FallbackGenerator) {
		if d > 0 {
			f.attemptTimeout = d
		}
	}
}

// WithAttemptObserver registers a callback for attempt outcomes.
func WithAttemptObserver(o AttemptObserver) FallbackOption {
	return func(f *FallbackGenerator) {
		f.observer = o
	}
}

// NewFallbackGenerator creates a chain. The first generator is the primary.
func NewFallbackGenerator(chain []Generator, opts ...FallbackOption) *FallbackGenerator {
	f := &FallbackGenerator{
		chain:          chain,
		attemptTimeout: timeout.GeneratorTimeout,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NewGeneratorFromConfig builds the provider chain described by cfg.
func NewGeneratorFromConfig(cfg *Config, opts ...FallbackOption) (*FallbackGenerator, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, errors.New("AI is not enabled")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var chain []Generator
	for _, llm := range cfg.Chain() {
		g, err := NewOpenAIGenerator(llm)
		if err != nil {
			return nil, fmt.Errorf("failed to create generator %s: %w", llm.Provider, err)
		}
		chain = append(chain, g)
	}

	opts = append([]FallbackOption{WithAttemptTimeout(cfg.AttemptTimeout)}, opts...)
	return NewFallbackGenerator(chain, opts...), nil
}

// Name lists the chain members.
func (f *FallbackGenerator) Name() string {
	names := make([]string, 0, len(f.chain))
	for _, g := range f.chain {
		names = append(names, g.Name())
	}
	return "fallback(" + strings.Join(names, ",") + ")"
}

// Generate returns the first successful, valid result of the chain.
func (f *FallbackGenerator) Generate(ctx context.Context, req *GenerateRequest) (*Result, error) {
	if len(f.chain) == 0 {
		return nil, fmt.Errorf("%w: no providers configured", ErrGeneratorUnavailable)
	}

	var errs []error
	for i, g := range f.chain {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := f.attempt(ctx, g, req)
		if err == nil {
			if i > 0 {
				slog.Info("generator fallback succeeded", "provider", g.Name(), "attempt", i+1)
			}
			return result, nil
		}

		// The caller gave up, the next provider would be cancelled as well.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		slog.Warn("generator attempt failed",
			"provider", g.Name(),
			"attempt", i+1,
			"remaining", len(f.chain)-i-1,
			"error", err,
		)
		errs = append(errs, fmt.Errorf("%s: %w", g.Name(), err))
	}

	return nil, fmt.Errorf("%w: %w", ErrGeneratorUnavailable, errors.Join(errs...))
}

func (f *FallbackGenerator) attempt(ctx context.Context, g Generator, req *GenerateRequest) (*Result, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, f.attemptTimeout)
	defer cancel()

	start := time.Now()
	result, err := g.Generate(attemptCtx, req)
	if err == nil {
		err = result.Validate()
	}
	if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("attempt timed out after %s: %w", f.attemptTimeout, err)
	}

	if f.observer != nil {
		f.observer(g.Name(), time.Since(start), err)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

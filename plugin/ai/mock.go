package ai

import (
	"context"
	"errors"
	"sync"
)

// ErrScriptExhausted is returned by MockGenerator when it has no scripted step left.
var ErrScriptExhausted = errors.New("mock generator script exhausted")

// MockStep is one scripted answer of a MockGenerator.
type MockStep struct {
	Result *Result
	Err    error
	// Block waits for the context to be done before answering with its error.
	Block bool
}

// MockGenerator replays scripted steps in order. It is safe for concurrent use.
type MockGenerator struct {
	name string

	mu       sync.Mutex
	steps    []MockStep
	repeat   *MockStep
	requests []*GenerateRequest
}

// NewMockGenerator creates a mock that replays steps in order.
func NewMockGenerator(name string, steps ...MockStep) *MockGenerator {
	return &MockGenerator{name: name, steps: steps}
}

// Repeat makes the mock answer step forever once the script is exhausted.
func (m *MockGenerator) Repeat(step MockStep) *MockGenerator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.repeat = &step
	return m
}

// Then appends steps to the script.
func (m *MockGenerator) Then(steps ...MockStep) *MockGenerator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, steps...)
	return m
}

func (m *MockGenerator) Name() string {
	return m.name
}

func (m *MockGenerator) Generate(ctx context.Context, req *GenerateRequest) (*Result, error) {
	m.mu.Lock()
	m.requests = append(m.requests, cloneRequest(req))
	var step MockStep
	switch {
	case len(m.steps) > 0:
		step = m.steps[0]
		m.steps = m.steps[1:]
	case m.repeat != nil:
		step = *m.repeat
	default:
		m.mu.Unlock()
		return nil, ErrScriptExhausted
	}
	m.mu.Unlock()

	if step.Block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if step.Err != nil {
		return nil, step.Err
	}
	res := *step.Result
	res.Provider = m.name
	return &res, nil
}

// Calls returns the number of Generate calls so far.
func (m *MockGenerator) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Requests returns copies of every request received.
func (m *MockGenerator) Requests() []*GenerateRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*GenerateRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// LastRequest returns the most recent request, or nil.
func (m *MockGenerator) LastRequest() *GenerateRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return nil
	}
	return m.requests[len(m.requests)-1]
}

func cloneRequest(req *GenerateRequest) *GenerateRequest {
	if req == nil {
		return nil
	}
	c := *req
	c.Messages = append([]Message(nil), req.Messages...)
	c.Tools = append([]ToolDefinition(nil), req.Tools...)
	return &c
}

var _ Generator = (*MockGenerator)(nil)

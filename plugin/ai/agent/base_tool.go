package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/hrygo/companion/plugin/ai"
	"github.com/hrygo/companion/plugin/ai/timeout"
)

// Idempotency tells the scheduler whether a tool changes anything.
type Idempotency int

const (
	// IdempotencySafe tools only read.
	IdempotencySafe Idempotency = iota
	// IdempotencySideEffect tools write. They receive an idempotency key in their context.
	IdempotencySideEffect
)

func (i Idempotency) String() string {
	if i == IdempotencySideEffect {
		return "side_effect"
	}
	return "safe"
}

// Dependency declares that a tool consumes the output of another tool requested
// in the same batch. Field of the producer's JSON output is injected as Argument.
type Dependency struct {
	Tool     string
	Field    string
	Argument string
}

// Tool is the interface for agent tools.
type Tool interface {
	// Name returns the name of the tool.
	Name() string

	// Description returns a description of what the tool does.
	Description() string

	// Parameters returns the JSON schema of the arguments.
	Parameters() json.RawMessage

	// Idempotency returns whether the tool has side effects.
	Idempotency() Idempotency

	// DependsOn lists the tools whose output this tool consumes.
	DependsOn() []Dependency

	// Run executes the tool with JSON arguments and returns a JSON result.
	Run(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

// RuleProvider is implemented by tools that constrain their arguments with a CEL rule.
// The rule sees the decoded arguments as `args` and must evaluate to a bool.
type RuleProvider interface {
	Rule() string
}

// TimeoutProvider is implemented by tools with their own execution timeout.
type TimeoutProvider interface {
	Timeout() time.Duration
}

// BaseTool provides a reusable base implementation for tools.
type BaseTool struct {
	name        string
	description string
	parameters  json.RawMessage
	execute     func(ctx context.Context, args json.RawMessage) (any, error)
	idempotency Idempotency
	deps        []Dependency
	rule        string
	timeout     time.Duration
}

// ToolOption is a function that configures a BaseTool.
type ToolOption func(*BaseTool)

// WithTimeout sets a timeout for tool execution.
func WithTimeout(timeout time.Duration) ToolOption {
	return func(t *BaseTool) {
		t.timeout = timeout
	}
}

// WithSideEffect marks the tool as changing state.
func WithSideEffect() ToolOption {
	return func(t *BaseTool) {
		t.idempotency = IdempotencySideEffect
	}
}

// WithDependency declares a producer tool whose output field feeds argument.
func WithDependency(tool, field, argument string) ToolOption {
	return func(t *BaseTool) {
		t.deps = append(t.deps, Dependency{Tool: tool, Field: field, Argument: argument})
	}
}

// WithRule sets a CEL rule over `args` that must hold before the tool runs.
//
// Example:
//
//	WithRule(`has(args.phone) && size(args.phone) >= 8`)
func WithRule(expr string) ToolOption {
	return func(t *BaseTool) {
		t.rule = expr
	}
}

// NewBaseTool creates a new BaseTool.
//
// Example:
//
//	tool := NewBaseTool(
//	    "get_medications",
//	    "List the active medications of the patient",
//	    `{"type":"object","properties":{}}`,
//	    func(ctx context.Context, args json.RawMessage) (any, error) {
//	        return meds, nil
//	    },
//	)
func NewBaseTool(
	name string,
	description string,
	parameters string,
	execute func(ctx context.Context, args json.RawMessage) (any, error),
	opts ...ToolOption,
) *BaseTool {
	tool := &BaseTool{
		name:        name,
		description: description,
		parameters:  json.RawMessage(parameters),
		execute:     execute,
		timeout:     timeout.ToolExecutionTimeout,
	}

	for _, opt := range opts {
		opt(tool)
	}

	return tool
}

func (t *BaseTool) Name() string {
	return t.name
}

func (t *BaseTool) Description() string {
	return t.description
}

func (t *BaseTool) Parameters() json.RawMessage {
	if len(t.parameters) == 0 {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return t.parameters
}

func (t *BaseTool) Idempotency() Idempotency {
	return t.idempotency
}

func (t *BaseTool) DependsOn() []Dependency {
	return t.deps
}

func (t *BaseTool) Rule() string {
	return t.rule
}

func (t *BaseTool) Timeout() time.Duration {
	return t.timeout
}

// Run executes the tool and encodes its result as JSON.
func (t *BaseTool) Run(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	result, err := t.execute(ctx, args)
	if err != nil {
		return nil, err
	}
	if raw, ok := result.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s result: %w", t.name, err)
	}
	return data, nil
}

// ToolRegistry manages a collection of tools. It is filled at startup and
// sealed when the first loop is built.
type ToolRegistry struct {
	mu     sync.Mutex
	sealed bool
	tools  map[string]Tool
	rules  map[string]cel.Program
	env    *cel.Env
}

// NewToolRegistry creates a new ToolRegistry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]Tool),
		rules: make(map[string]cel.Program),
	}
}

// Register adds a tool to the registry and compiles its argument rule.
func (r *ToolRegistry) Register(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("tool cannot be nil")
	}
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("register %s: %w", name, ErrRegistrySealed)
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	if !json.Valid(tool.Parameters()) {
		return fmt.Errorf("tool %s has an invalid parameter schema", name)
	}

	if rp, ok := tool.(RuleProvider); ok && strings.TrimSpace(rp.Rule()) != "" {
		prg, err := r.compileRule(rp.Rule())
		if err != nil {
			return fmt.Errorf("tool %s: %w", name, err)
		}
		r.rules[name] = prg
	}

	r.tools[name] = tool
	return nil
}

func (r *ToolRegistry) compileRule(expr string) (cel.Program, error) {
	if r.env == nil {
		env, err := cel.NewEnv(cel.Variable("args", cel.MapType(cel.StringType, cel.DynType)))
		if err != nil {
			return nil, fmt.Errorf("failed to create rule environment: %w", err)
		}
		r.env = env
	}

	ast, iss := r.env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("invalid rule %q: %w", expr, iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("rule %q must return a bool, got %s", expr, ast.OutputType())
	}
	prg, err := r.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to build rule %q: %w", expr, err)
	}
	return prg, nil
}

// Seal freezes the registry after checking that every declared dependency
// names a registered tool and that dependencies do not form a cycle.
func (r *ToolRegistry) Seal() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return nil
	}

	for name, tool := range r.tools {
		for _, dep := range tool.DependsOn() {
			if dep.Tool == name {
				return fmt.Errorf("tool %s depends on itself", name)
			}
			if _, ok := r.tools[dep.Tool]; !ok {
				return fmt.Errorf("tool %s depends on unknown tool %s", name, dep.Tool)
			}
		}
	}

	// Depth-first search for cycles: 1 = visiting, 2 = done.
	state := make(map[string]int, len(r.tools))
	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case 1:
			return fmt.Errorf("tool dependency cycle through %s", name)
		case 2:
			return nil
		}
		state[name] = 1
		for _, dep := range r.tools[name].DependsOn() {
			if err := visit(dep.Tool); err != nil {
				return err
			}
		}
		state[name] = 2
		return nil
	}
	for _, name := range r.listLocked() {
		if err := visit(name); err != nil {
			return err
		}
	}

	r.sealed = true
	return nil
}

// Get retrieves a tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tool, exists := r.tools[name]
	return tool, exists
}

// List returns all registered tool names, sorted.
func (r *ToolRegistry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked()
}

func (r *ToolRegistry) listLocked() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe returns a description string for all tools.
func (r *ToolRegistry) Describe() string {
	names := r.List()
	if len(names) == 0 {
		return "No tools available"
	}

	var desc strings.Builder
	desc.Grow(256)

	for _, name := range names {
		tool, _ := r.Get(name)
		desc.WriteString("- ")
		desc.WriteString(name)
		desc.WriteString(": ")
		desc.WriteString(firstLine(tool.Description()))
		desc.WriteString("\n")
	}

	return desc.String()
}

// Definitions returns the tool definitions offered to the generator.
func (r *ToolRegistry) Definitions() []ai.ToolDefinition {
	names := r.List()
	defs := make([]ai.ToolDefinition, 0, len(names))
	for _, name := range names {
		tool, _ := r.Get(name)
		defs = append(defs, ai.ToolDefinition{
			Name:        name,
			Description: tool.Description(),
			Parameters:  tool.Parameters(),
		})
	}
	return defs
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tools)
}

// Validate checks that args is a JSON object and satisfies the tool's rule.
// It returns the decoded arguments.
func (r *ToolRegistry) Validate(name string, args json.RawMessage) (map[string]any, error) {
	decoded := map[string]any{}
	if trimmed := bytes.TrimSpace(args); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if err := json.Unmarshal(trimmed, &decoded); err != nil {
			return nil, fmt.Errorf("%w: arguments must be a JSON object: %v", ErrInvalidArguments, err)
		}
		if decoded == nil {
			decoded = map[string]any{}
		}
	}

	r.mu.Lock()
	prg, ok := r.rules[name]
	r.mu.Unlock()
	if !ok {
		return decoded, nil
	}

	out, _, err := prg.Eval(map[string]any{"args": decoded})
	if err != nil {
		return nil, fmt.Errorf("%w: rule evaluation failed: %v", ErrInvalidArguments, err)
	}
	if pass, ok := out.Value().(bool); !ok || !pass {
		return nil, fmt.Errorf("%w: arguments do not satisfy the rule of %s", ErrInvalidArguments, name)
	}
	return decoded, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

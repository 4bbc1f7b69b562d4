package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Message roles understood by generators.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

var (
	// ErrGeneratorUnavailable is returned when no provider in the chain produced a result.
	ErrGeneratorUnavailable = errors.New("generator unavailable")
	// ErrMalformedOutput is returned when a provider answer is neither text nor a valid action list.
	ErrMalformedOutput = errors.New("malformed generator output")
)

// Message represents one entry of the context sent to a generator.
type Message struct {
	Role    string
	Content string
	// ToolCalls is set on assistant messages that requested actions.
	ToolCalls []ToolCall
	// ToolCallID links a tool observation to the request it answers.
	ToolCallID string
}

// ToolCall is a single action requested by the generator.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON object
}

// ToolDefinition describes a tool offered to the generator.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON schema
}

// GenerateRequest is the input of one generator call.
type GenerateRequest struct {
	Messages    []Message
	Tools       []ToolDefinition
	Temperature float32
	MaxTokens   int
	// JSONMode asks the provider for a single JSON object as text.
	JSONMode bool
}

// ResultKind tags the variant held by a Result.
type ResultKind int

const (
	// ResultText is a final plain-text answer.
	ResultText ResultKind = iota + 1
	// ResultActions is a list of requested tool invocations.
	ResultActions
)

func (k ResultKind) String() string {
	switch k {
	case ResultText:
		return "text"
	case ResultActions:
		return "actions"
	}
	return "unknown"
}

// Result is the tagged union returned by a generator: either Text or Actions.
type Result struct {
	Kind    ResultKind
	Text    string
	Actions []ToolCall

	// Provider and Model identify who answered.
	Provider string
	Model    string
}

// TextResult builds a text result.
func TextResult(text string) *Result {
	return &Result{Kind: ResultText, Text: text}
}

// ActionsResult builds an action list result.
func ActionsResult(actions ...ToolCall) *Result {
	return &Result{Kind: ResultActions, Actions: actions}
}

// Validate checks the union invariants. Any violation is ErrMalformedOutput.
func (r *Result) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil result", ErrMalformedOutput)
	}
	switch r.Kind {
	case ResultText:
		if strings.TrimSpace(r.Text) == "" {
			return fmt.Errorf("%w: empty text", ErrMalformedOutput)
		}
		if len(r.Actions) > 0 {
			return fmt.Errorf("%w: text result carries actions", ErrMalformedOutput)
		}
	case ResultActions:
		if len(r.Actions) == 0 {
			return fmt.Errorf("%w: empty action list", ErrMalformedOutput)
		}
		seen := make(map[string]bool, len(r.Actions))
		for i, a := range r.Actions {
			if a.Name == "" {
				return fmt.Errorf("%w: action %d has no name", ErrMalformedOutput, i)
			}
			if a.ID == "" || seen[a.ID] {
				return fmt.Errorf("%w: action %d has missing or duplicate id %q", ErrMalformedOutput, i, a.ID)
			}
			seen[a.ID] = true
			args := strings.TrimSpace(a.Arguments)
			if args == "" {
				continue
			}
			var obj map[string]any
			if err := json.Unmarshal([]byte(args), &obj); err != nil {
				return fmt.Errorf("%w: action %s arguments are not a JSON object: %v", ErrMalformedOutput, a.Name, err)
			}
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrMalformedOutput, r.Kind)
	}
	return nil
}

// Generator turns a context into text or a list of action requests.
type Generator interface {
	// Name identifies the provider for logs and metrics.
	Name() string
	Generate(ctx context.Context, req *GenerateRequest) (*Result, error)
}

// FormatMessages is a helper to build a message list from a system prompt, history and the new input.
func FormatMessages(systemPrompt string, history []Message, userInput string) []Message {
	messages := make([]Message, 0, len(history)+2)
	if systemPrompt != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: systemPrompt})
	}
	messages = append(messages, history...)
	if userInput != "" {
		messages = append(messages, Message{Role: RoleUser, Content: userInput})
	}
	return messages
}

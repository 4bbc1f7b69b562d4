package agent

import (
	"encoding/json"
	"time"

	"github.com/hrygo/companion/plugin/ai"
)

// ActionRequest is one tool invocation requested by the generator.
type ActionRequest struct {
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ActionRequestsFrom converts generator tool calls.
func ActionRequestsFrom(calls []ai.ToolCall) []ActionRequest {
	reqs := make([]ActionRequest, 0, len(calls))
	for _, c := range calls {
		reqs = append(reqs, ActionRequest{CallID: c.ID, Name: c.Name, Arguments: json.RawMessage(c.Arguments)})
	}
	return reqs
}

// Observation is the outcome of one ActionRequest. Failures are observations, not errors.
type Observation struct {
	CallID     string          `json:"call_id"`
	Name       string          `json:"name"`
	Success    bool            `json:"success"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorClass string          `json:"error_class,omitempty"`
	Retryable  bool            `json:"retryable,omitempty"`
	Hint       string          `json:"hint,omitempty"`

	SideEffect     bool          `json:"-"`
	IdempotencyKey string        `json:"-"`
	Duration       time.Duration `json:"-"`
}

func successObservation(req ActionRequest, output json.RawMessage) Observation {
	return Observation{CallID: req.CallID, Name: req.Name, Success: true, Output: output}
}

func failureObservation(req ActionRequest, err error) Observation {
	obs := Observation{CallID: req.CallID, Name: req.Name, Error: err.Error()}
	if c := ClassifyError(err); c != nil {
		obs.ErrorClass = c.Class.String()
		obs.Retryable = c.IsTransient()
		obs.Hint = c.ActionHint
	}
	return obs
}

// Content renders the observation as the tool message sent back to the generator.
func (o Observation) Content() string {
	data, err := json.Marshal(o)
	if err != nil {
		return `{"success":false,"error":"unencodable observation"}`
	}
	return string(data)
}

// SideEffect is a committed change reported to the caller of a turn.
type SideEffect struct {
	Tool   string          `json:"tool"`
	Output json.RawMessage `json:"output,omitempty"`
}

// LoopResult is the outcome of one agent run.
type LoopResult struct {
	Reply string
	// Observations of every tool invocation, in execution order.
	Observations []Observation
	Iterations   int
	// LimitReached is set when the iteration cap stopped the loop.
	LimitReached bool
	Provider     string
}

// Err reports ErrIterationLimit when the loop was stopped by its cap.
func (r *LoopResult) Err() error {
	if r != nil && r.LimitReached {
		return ErrIterationLimit
	}
	return nil
}

// SideEffects returns the successful side-effecting invocations.
func (r *LoopResult) SideEffects() []SideEffect {
	if r == nil {
		return nil
	}
	var out []SideEffect
	for _, o := range r.Observations {
		if o.Success && o.SideEffect {
			out = append(out, SideEffect{Tool: o.Name, Output: o.Output})
		}
	}
	return out
}

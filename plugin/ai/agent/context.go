package agent

import (
	"context"
	"strconv"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/hrygo/companion/plugin/ai"
)

type contextKey string

const (
	identityKey    contextKey = "identity"
	idempotencyKey contextKey = "idempotency_key"
)

// Identity is the session and user a turn runs for.
// Tools act on behalf of UserID and never on a user named in their arguments.
type Identity struct {
	SessionID string
	MessageID string
	UserID    string
}

// WithIdentity returns a child context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext extracts the turn identity. The zero value means none.
func IdentityFromContext(ctx context.Context) Identity {
	if id, ok := ctx.Value(identityKey).(Identity); ok {
		return id
	}
	return Identity{}
}

// WithIdempotencyKey returns a child context carrying key for a side-effecting tool.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKey, key)
}

// IdempotencyKeyFromContext returns the key set by the scheduler, or "".
func IdempotencyKeyFromContext(ctx context.Context) string {
	if key, ok := ctx.Value(idempotencyKey).(string); ok {
		return key
	}
	return ""
}

var idempotencyNamespace = uuid.MustParse("6f1c3c52-3b8e-4d7e-9a0e-5d2f6a7b8c90")

// IdempotencyKey derives a stable key from the turn and the tool invocation ordinal.
// A redelivered message that reaches the same invocation produces the same key.
func IdempotencyKey(sessionID, messageID, tool string, ordinal int) string {
	name := sessionID + "\x00" + messageID + "\x00" + tool + "\x00" + strconv.Itoa(ordinal)
	return uuid.NewSHA1(idempotencyNamespace, []byte(name)).String()
}

const (
	// CharsPerToken is the rough size of one token used for budgeting.
	CharsPerToken = 4
	// DefaultTokenBudget bounds the history sent to the generator.
	DefaultTokenBudget = 8000
)

// EstimateTokens approximates the token count of s.
func EstimateTokens(s string) int {
	return (utf8.RuneCountInString(s) + CharsPerToken - 1) / CharsPerToken
}

// FitTokenBudget keeps the most recent messages whose estimated size fits budget.
// The last message is always kept.
func FitTokenBudget(messages []ai.Message, budget int) []ai.Message {
	if budget <= 0 || len(messages) == 0 {
		return messages
	}
	used := 0
	start := len(messages)
	for i := len(messages) - 1; i >= 0; i-- {
		cost := EstimateTokens(messages[i].Content)
		for _, tc := range messages[i].ToolCalls {
			cost += EstimateTokens(tc.Arguments)
		}
		if used+cost > budget && start < len(messages) {
			break
		}
		used += cost
		start = i
	}
	// Do not open the window on a tool observation whose request was cut off.
	for start < len(messages)-1 && messages[start].Role == ai.RoleTool {
		start++
	}
	return messages[start:]
}

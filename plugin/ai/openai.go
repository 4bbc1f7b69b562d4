package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/sashabaranov/go-openai"
)

var emptyParameters = json.RawMessage(`{"type":"object","properties":{}}`)

// OpenAIGenerator talks to any OpenAI compatible chat completion endpoint
// (DeepSeek, OpenAI, SiliconFlow and Ollama all expose one).
type OpenAIGenerator struct {
	client *openai.Client
	config LLMConfig
}

// NewOpenAIGenerator creates a generator for one provider entry.
func NewOpenAIGenerator(cfg LLMConfig) (*OpenAIGenerator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 2048
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = cfg.BaseURL

	return &OpenAIGenerator{
		client: openai.NewClientWithConfig(clientConfig),
		config: cfg,
	}, nil
}

// Name returns provider/model.
func (g *OpenAIGenerator) Name() string {
	return g.config.Provider + "/" + g.config.Model
}

// Generate performs one chat completion and maps the answer to a Result.
func (g *OpenAIGenerator) Generate(ctx context.Context, req *GenerateRequest) (*Result, error) {
	start := time.Now()

	temperature := req.Temperature
	if temperature == 0 {
		temperature = g.config.Temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = g.config.MaxTokens
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       g.config.Model,
		Messages:    convertMessages(req.Messages),
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertTools(req.Tools)
		chatReq.ParallelToolCalls = true
	}
	if req.JSONMode {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := g.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("%s chat completion failed: %w", g.config.Provider, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: %s returned no choices", ErrMalformedOutput, g.config.Provider)
	}

	msg := resp.Choices[0].Message
	result := &Result{Provider: g.config.Provider, Model: resp.Model}
	if len(msg.ToolCalls) > 0 {
		result.Kind = ResultActions
		for _, tc := range msg.ToolCalls {
			result.Actions = append(result.Actions, ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
	} else {
		result.Kind = ResultText
		result.Text = msg.Content
	}

	if err := result.Validate(); err != nil {
		return nil, err
	}

	slog.Debug("generator call completed",
		"provider", g.config.Provider,
		"model", resp.Model,
		"kind", result.Kind.String(),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"latency_ms", time.Since(start).Milliseconds(),
	)

	return result, nil
}

func convertMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, msg)
	}
	return out
}

func convertTools(tools []ToolDefinition) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = emptyParameters
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

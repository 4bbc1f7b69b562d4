package ai

import (
	"errors"
	"fmt"
	"time"

	"github.com/hrygo/companion/internal/profile"
)

// Config represents AI configuration.
type Config struct {
	Enabled bool

	// LLM is the primary provider, Fallbacks are tried in order when it fails.
	LLM       LLMConfig
	Fallbacks []LLMConfig

	// AttemptTimeout bounds each provider attempt.
	AttemptTimeout time.Duration
}

// LLMConfig represents LLM configuration.
type LLMConfig struct {
	Provider    string // deepseek, openai, siliconflow, ollama
	Model       string // deepseek-chat
	APIKey      string
	BaseURL     string
	MaxTokens   int     // default: 2048
	Temperature float32 // default: 0.7
}

// defaultModels maps providers to the model used when none is configured.
var defaultModels = map[string]string{
	"deepseek":    "deepseek-chat",
	"openai":      "gpt-4o-mini",
	"siliconflow": "Qwen/Qwen2.5-72B-Instruct",
	"ollama":      "qwen2.5:7b",
}

// NewConfigFromProfile creates AI config from profile.
func NewConfigFromProfile(p *profile.Profile) *Config {
	cfg := &Config{
		Enabled:        p.AIEnabled,
		AttemptTimeout: p.AIGeneratorTimeout,
	}

	if !cfg.Enabled {
		return cfg
	}

	cfg.LLM = llmConfigFor(p, p.AILLMProvider)
	if p.AILLMModel != "" {
		cfg.LLM.Model = p.AILLMModel
	}

	for _, provider := range p.AILLMFallbacks {
		if provider == p.AILLMProvider {
			continue
		}
		cfg.Fallbacks = append(cfg.Fallbacks, llmConfigFor(p, provider))
	}

	return cfg
}

func llmConfigFor(p *profile.Profile, provider string) LLMConfig {
	llm := LLMConfig{
		Provider:    provider,
		Model:       defaultModels[provider],
		MaxTokens:   2048,
		Temperature: 0.7,
	}

	switch provider {
	case "deepseek":
		llm.APIKey = p.AIDeepSeekAPIKey
		llm.BaseURL = p.AIDeepSeekBaseURL
	case "openai":
		llm.APIKey = p.AIOpenAIAPIKey
		llm.BaseURL = p.AIOpenAIBaseURL
	case "siliconflow":
		llm.APIKey = p.AISiliconFlowAPIKey
		llm.BaseURL = p.AISiliconFlowBaseURL
	case "ollama":
		llm.BaseURL = p.AIOllamaBaseURL
	}

	return llm
}

// Chain returns the primary provider followed by the fallbacks.
func (c *Config) Chain() []LLMConfig {
	chain := make([]LLMConfig, 0, 1+len(c.Fallbacks))
	chain = append(chain, c.LLM)
	return append(chain, c.Fallbacks...)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.LLM.Provider == "" {
		return errors.New("LLM provider is required")
	}

	for _, llm := range c.Chain() {
		if err := llm.Validate(); err != nil {
			return err
		}
	}

	return nil
}

// Validate validates a single provider entry.
func (c *LLMConfig) Validate() error {
	if _, ok := defaultModels[c.Provider]; !ok {
		return fmt.Errorf("unsupported LLM provider: %s", c.Provider)
	}
	if c.Provider != "ollama" && c.APIKey == "" {
		return fmt.Errorf("LLM API key is required for provider %s", c.Provider)
	}
	if c.BaseURL == "" {
		return fmt.Errorf("LLM base URL is required for provider %s", c.Provider)
	}
	return nil
}

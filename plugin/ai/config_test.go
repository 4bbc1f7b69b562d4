package ai

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/companion/internal/profile"
)

func TestNewConfigFromProfile(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		cfg := NewConfigFromProfile(&profile.Profile{AIEnabled: false})
		assert.False(t, cfg.Enabled)
		assert.NoError(t, cfg.Validate())
	})

	t.Run("primary with fallbacks", func(t *testing.T) {
		p := &profile.Profile{
			AIEnabled:          true,
			AILLMProvider:      "deepseek",
			AILLMFallbacks:     []string{"deepseek", "openai", "ollama"},
			AIGeneratorTimeout: 5 * time.Second,
			AIDeepSeekAPIKey:   "ds-key",
			AIDeepSeekBaseURL:  "https://api.deepseek.com",
			AIOpenAIAPIKey:     "oa-key",
			AIOpenAIBaseURL:    "https://api.openai.com/v1",
			AIOllamaBaseURL:    "http://localhost:11434/v1",
		}
		cfg := NewConfigFromProfile(p)
		require.NoError(t, cfg.Validate())

		chain := cfg.Chain()
		require.Len(t, chain, 3)
		assert.Equal(t, "deepseek", chain[0].Provider)
		assert.Equal(t, "deepseek-chat", chain[0].Model)
		assert.Equal(t, "openai", chain[1].Provider)
		assert.Equal(t, "oa-key", chain[1].APIKey)
		assert.Equal(t, "ollama", chain[2].Provider)
		assert.Equal(t, 5*time.Second, cfg.AttemptTimeout)
	})

	t.Run("model override applies to primary only", func(t *testing.T) {
		p := &profile.Profile{
			AIEnabled:       true,
			AILLMProvider:   "openai",
			AILLMModel:      "gpt-4o",
			AILLMFallbacks:  []string{"ollama"},
			AIOpenAIAPIKey:  "k",
			AIOpenAIBaseURL: "https://api.openai.com/v1",
			AIOllamaBaseURL: "http://localhost:11434/v1",
		}
		cfg := NewConfigFromProfile(p)
		assert.Equal(t, "gpt-4o", cfg.LLM.Model)
		assert.Equal(t, "qwen2.5:7b", cfg.Fallbacks[0].Model)
	})
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name:    "missing provider",
			cfg:     Config{Enabled: true},
			wantErr: true,
		},
		{
			name:    "missing key",
			cfg:     Config{Enabled: true, LLM: LLMConfig{Provider: "deepseek", BaseURL: "https://api.deepseek.com"}},
			wantErr: true,
		},
		{
			name:    "ollama without key",
			cfg:     Config{Enabled: true, LLM: LLMConfig{Provider: "ollama", BaseURL: "http://localhost:11434/v1"}},
			wantErr: false,
		},
		{
			name: "bad fallback",
			cfg: Config{
				Enabled:   true,
				LLM:       LLMConfig{Provider: "ollama", BaseURL: "http://localhost:11434/v1"},
				Fallbacks: []LLMConfig{{Provider: "unsupported"}},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

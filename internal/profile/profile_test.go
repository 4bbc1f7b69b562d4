package profile

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestProfileDefaults 测试默认配置
func TestProfileDefaults(t *testing.T) {
	clearEnvVars(t)

	profile := &Profile{}
	profile.FromEnv()

	tests := []struct {
		name     string
		expected string
		actual   string
	}{
		{"EngineMode default", EngineModeAgent, profile.EngineMode},
		{"AILLMProvider default", "deepseek", profile.AILLMProvider},
		{"AIDeepSeekBaseURL default", "https://api.deepseek.com", profile.AIDeepSeekBaseURL},
		{"AIOpenAIBaseURL default", "https://api.openai.com/v1", profile.AIOpenAIBaseURL},
		{"AISiliconFlowBaseURL default", "https://api.siliconflow.cn/v1", profile.AISiliconFlowBaseURL},
		{"AIOllamaBaseURL default", "http://localhost:11434/v1", profile.AIOllamaBaseURL},
		{"Timezone default", "America/Lima", profile.Timezone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.actual != tt.expected {
				t.Errorf("%s: expected %q, got %q", tt.name, tt.expected, tt.actual)
			}
		})
	}

	assert.False(t, profile.AIEnabled)
	assert.Equal(t, 10, profile.MaxIterations)
	assert.Equal(t, 4, profile.ToolFanOut)
	assert.Equal(t, 64, profile.MaxConcurrentTurns)
	assert.Equal(t, 50, profile.HistoryLimit)
	assert.Equal(t, 30*time.Second, profile.AIGeneratorTimeout)
	assert.Equal(t, 30*24*time.Hour, profile.SessionRetention)
	assert.Empty(t, profile.AILLMFallbacks)
}

// TestProfileFromEnv 测试从环境变量读取配置
func TestProfileFromEnv(t *testing.T) {
	tests := []struct {
		name     string
		envVar   string
		envValue string
		field    func(*Profile) any
		expected any
	}{
		{
			name:     "engine mode",
			envVar:   "COMPANION_ENGINE_MODE",
			envValue: EngineModeSpecialists,
			field:    func(p *Profile) any { return p.EngineMode },
			expected: EngineModeSpecialists,
		},
		{
			name:     "max iterations",
			envVar:   "COMPANION_MAX_ITERATIONS",
			envValue: "3",
			field:    func(p *Profile) any { return p.MaxIterations },
			expected: 3,
		},
		{
			name:     "invalid max iterations falls back to default",
			envVar:   "COMPANION_MAX_ITERATIONS",
			envValue: "many",
			field:    func(p *Profile) any { return p.MaxIterations },
			expected: 10,
		},
		{
			name:     "generator timeout",
			envVar:   "COMPANION_AI_GENERATOR_TIMEOUT",
			envValue: "5s",
			field:    func(p *Profile) any { return p.AIGeneratorTimeout },
			expected: 5 * time.Second,
		},
		{
			name:     "fallback providers",
			envVar:   "COMPANION_AI_LLM_FALLBACKS",
			envValue: "openai, siliconflow,,",
			field:    func(p *Profile) any { return p.AILLMFallbacks },
			expected: []string{"openai", "siliconflow"},
		},
		{
			name:     "ai enabled",
			envVar:   "COMPANION_AI_ENABLED",
			envValue: "true",
			field:    func(p *Profile) any { return p.AIEnabled },
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnvVars(t)
			t.Setenv(tt.envVar, tt.envValue)

			p := &Profile{}
			p.FromEnv()
			assert.Equal(t, tt.expected, tt.field(p))
		})
	}
}

func TestFromEnvKeepsFlagValues(t *testing.T) {
	clearEnvVars(t)
	t.Setenv("COMPANION_ENGINE_MODE", EngineModeSpecialists)
	t.Setenv("COMPANION_MAX_ITERATIONS", "20")

	p := &Profile{EngineMode: EngineModeAgent, MaxIterations: 5}
	p.FromEnv()

	assert.Equal(t, EngineModeAgent, p.EngineMode)
	assert.Equal(t, 5, p.MaxIterations)
}

func TestIsAIEnabled(t *testing.T) {
	tests := []struct {
		name     string
		profile  Profile
		expected bool
	}{
		{"disabled", Profile{AIEnabled: false, AILLMProvider: "deepseek", AIDeepSeekAPIKey: "k"}, false},
		{"deepseek with key", Profile{AIEnabled: true, AILLMProvider: "deepseek", AIDeepSeekAPIKey: "k"}, true},
		{"deepseek without key", Profile{AIEnabled: true, AILLMProvider: "deepseek"}, false},
		{"openai with key", Profile{AIEnabled: true, AILLMProvider: "openai", AIOpenAIAPIKey: "k"}, true},
		{"ollama with url", Profile{AIEnabled: true, AILLMProvider: "ollama", AIOllamaBaseURL: "http://localhost:11434/v1"}, true},
		{"unknown provider", Profile{AIEnabled: true, AILLMProvider: "acme"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.profile.IsAIEnabled())
		})
	}
}

func TestValidate(t *testing.T) {
	t.Run("memory driver needs no data dir", func(t *testing.T) {
		p := &Profile{Mode: "weird", Timezone: "UTC"}
		require.NoError(t, p.Validate())
		assert.Equal(t, "demo", p.Mode)
		assert.Equal(t, "memory", p.Driver)
		assert.Equal(t, EngineModeAgent, p.EngineMode)
		assert.Equal(t, 10, p.MaxIterations)
	})

	t.Run("sqlite driver derives dsn", func(t *testing.T) {
		dir := t.TempDir()
		p := &Profile{Mode: "dev", Driver: "sqlite", Data: dir, Timezone: "UTC"}
		require.NoError(t, p.Validate())
		assert.Contains(t, p.DSN, "companion_dev.db")
	})

	t.Run("missing data dir", func(t *testing.T) {
		p := &Profile{Mode: "dev", Driver: "sqlite", Data: "/definitely/not/here", Timezone: "UTC"}
		assert.Error(t, p.Validate())
	})

	t.Run("unknown driver", func(t *testing.T) {
		p := &Profile{Driver: "mysql"}
		assert.Error(t, p.Validate())
	})

	t.Run("unknown engine mode", func(t *testing.T) {
		p := &Profile{EngineMode: "swarm"}
		assert.Error(t, p.Validate())
	})

	t.Run("iteration cap out of range", func(t *testing.T) {
		p := &Profile{MaxIterations: 500}
		assert.Error(t, p.Validate())
	})

	t.Run("invalid timezone", func(t *testing.T) {
		p := &Profile{Timezone: "Mars/Olympus"}
		assert.Error(t, p.Validate())
	})
}

// clearEnvVars 清除测试相关的环境变量
func clearEnvVars(t *testing.T) {
	t.Helper()
	envVars := []string{
		"COMPANION_ENGINE_MODE",
		"COMPANION_MAX_ITERATIONS",
		"COMPANION_TOOL_FAN_OUT",
		"COMPANION_MAX_CONCURRENT_TURNS",
		"COMPANION_HISTORY_LIMIT",
		"COMPANION_SESSION_RETENTION",
		"COMPANION_SPECIALISTS_FILE",
		"COMPANION_TIMEZONE",
		"COMPANION_REDIS_ADDR",
		"COMPANION_REDIS_PASSWORD",
		"COMPANION_AI_ENABLED",
		"COMPANION_AI_LLM_PROVIDER",
		"COMPANION_AI_LLM_FALLBACKS",
		"COMPANION_AI_LLM_MODEL",
		"COMPANION_AI_GENERATOR_TIMEOUT",
		"COMPANION_AI_DEEPSEEK_API_KEY",
		"COMPANION_AI_DEEPSEEK_BASE_URL",
		"COMPANION_AI_OPENAI_API_KEY",
		"COMPANION_AI_OPENAI_BASE_URL",
		"COMPANION_AI_SILICONFLOW_API_KEY",
		"COMPANION_AI_SILICONFLOW_BASE_URL",
		"COMPANION_AI_OLLAMA_BASE_URL",
	}
	for _, envVar := range envVars {
		// t.Setenv registers the restore, Unsetenv then clears it for the test body.
		t.Setenv(envVar, "")
		os.Unsetenv(envVar)
	}
}

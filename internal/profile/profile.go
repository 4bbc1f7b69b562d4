package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Engine modes select the back-end that produces a reply once a turn has been routed.
const (
	// EngineModeAgent runs the single tool-calling agent loop.
	EngineModeAgent = "agent"
	// EngineModeSpecialists dispatches to the specialist table.
	EngineModeSpecialists = "specialists"
)

// Profile is the configuration to start the companion server.
type Profile struct {
	// Mode can be "prod" or "dev" or "demo"
	Mode string
	// Addr is the binding address for server
	Addr string
	// Port is the binding port for server
	Port int
	// Data is the data directory
	Data string
	// DSN points to where companion stores its own data
	DSN string
	// Driver is the database driver (memory, sqlite or postgres)
	Driver string
	// Version is the current version of server
	Version string
	// Secret signs API bearer tokens. Empty disables authentication.
	Secret string

	// Engine configuration
	EngineMode         string        // COMPANION_ENGINE_MODE (default: agent)
	MaxIterations      int           // COMPANION_MAX_ITERATIONS (default: 10)
	ToolFanOut         int           // COMPANION_TOOL_FAN_OUT (default: 4)
	MaxConcurrentTurns int           // COMPANION_MAX_CONCURRENT_TURNS (default: 64)
	HistoryLimit       int           // COMPANION_HISTORY_LIMIT (default: 50)
	SessionRetention   time.Duration // COMPANION_SESSION_RETENTION (default: 720h)
	SpecialistsFile    string        // COMPANION_SPECIALISTS_FILE (default: embedded table)
	Timezone           string        // COMPANION_TIMEZONE (default: America/Lima)

	// Per-user API rate limit.
	RateLimitPerMinute int // COMPANION_RATE_LIMIT_PER_MINUTE (default: 30)
	RateLimitBurst     int // COMPANION_RATE_LIMIT_BURST (default: 5)

	// Distributed session lock, optional.
	RedisAddr     string // COMPANION_REDIS_ADDR
	RedisPassword string // COMPANION_REDIS_PASSWORD

	// AI Configuration
	AIEnabled            bool          // COMPANION_AI_ENABLED
	AILLMProvider        string        // COMPANION_AI_LLM_PROVIDER (default: deepseek)
	AILLMFallbacks       []string      // COMPANION_AI_LLM_FALLBACKS (comma separated, default: none)
	AILLMModel           string        // COMPANION_AI_LLM_MODEL (default: provider specific)
	AIGeneratorTimeout   time.Duration // COMPANION_AI_GENERATOR_TIMEOUT (default: 30s)
	AIDeepSeekAPIKey     string        // COMPANION_AI_DEEPSEEK_API_KEY
	AIDeepSeekBaseURL    string        // COMPANION_AI_DEEPSEEK_BASE_URL (default: https://api.deepseek.com)
	AIOpenAIAPIKey       string        // COMPANION_AI_OPENAI_API_KEY
	AIOpenAIBaseURL      string        // COMPANION_AI_OPENAI_BASE_URL (default: https://api.openai.com/v1)
	AISiliconFlowAPIKey  string        // COMPANION_AI_SILICONFLOW_API_KEY
	AISiliconFlowBaseURL string        // COMPANION_AI_SILICONFLOW_BASE_URL (default: https://api.siliconflow.cn/v1)
	AIOllamaBaseURL      string        // COMPANION_AI_OLLAMA_BASE_URL (default: http://localhost:11434/v1)
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsAIEnabled returns true if AI is enabled and the primary provider has credentials or a local endpoint.
func (p *Profile) IsAIEnabled() bool {
	if !p.AIEnabled {
		return false
	}
	switch p.AILLMProvider {
	case "deepseek":
		return p.AIDeepSeekAPIKey != ""
	case "openai":
		return p.AIOpenAIAPIKey != ""
	case "siliconflow":
		return p.AISiliconFlowAPIKey != ""
	case "ollama":
		return p.AIOllamaBaseURL != ""
	}
	return false
}

// IsRedisEnabled reports whether session locks should also be taken in Redis.
func (p *Profile) IsRedisEnabled() bool {
	return p.RedisAddr != ""
}

// getEnvOrDefault returns the environment variable value or the default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// FromEnv loads the AI and engine configuration from environment variables.
// Values already set (for example through command line flags) are kept.
func (p *Profile) FromEnv() {
	setString := func(dst *string, key, defaultValue string) {
		if *dst != "" {
			return
		}
		*dst = getEnvOrDefault(key, defaultValue)
	}
	setInt := func(dst *int, key string, defaultValue int) {
		if *dst > 0 {
			return
		}
		*dst = defaultValue
		if raw := os.Getenv(key); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil {
				*dst = v
			} else {
				slog.Warn("ignoring invalid integer env", "key", key, "value", raw)
			}
		}
	}
	setDuration := func(dst *time.Duration, key string, defaultValue time.Duration) {
		if *dst > 0 {
			return
		}
		*dst = defaultValue
		if raw := os.Getenv(key); raw != "" {
			if v, err := time.ParseDuration(raw); err == nil {
				*dst = v
			} else {
				slog.Warn("ignoring invalid duration env", "key", key, "value", raw)
			}
		}
	}

	setString(&p.EngineMode, "COMPANION_ENGINE_MODE", EngineModeAgent)
	setInt(&p.MaxIterations, "COMPANION_MAX_ITERATIONS", 10)
	setInt(&p.ToolFanOut, "COMPANION_TOOL_FAN_OUT", 4)
	setInt(&p.MaxConcurrentTurns, "COMPANION_MAX_CONCURRENT_TURNS", 64)
	setInt(&p.HistoryLimit, "COMPANION_HISTORY_LIMIT", 50)
	setDuration(&p.SessionRetention, "COMPANION_SESSION_RETENTION", 30*24*time.Hour)
	setString(&p.SpecialistsFile, "COMPANION_SPECIALISTS_FILE", "")
	setString(&p.Timezone, "COMPANION_TIMEZONE", "America/Lima")
	setInt(&p.RateLimitPerMinute, "COMPANION_RATE_LIMIT_PER_MINUTE", 30)
	setInt(&p.RateLimitBurst, "COMPANION_RATE_LIMIT_BURST", 5)
	setString(&p.RedisAddr, "COMPANION_REDIS_ADDR", "")
	setString(&p.RedisPassword, "COMPANION_REDIS_PASSWORD", "")

	if !p.AIEnabled {
		p.AIEnabled = os.Getenv("COMPANION_AI_ENABLED") == "true"
	}
	setString(&p.AILLMProvider, "COMPANION_AI_LLM_PROVIDER", "deepseek")
	setString(&p.AILLMModel, "COMPANION_AI_LLM_MODEL", "")
	setDuration(&p.AIGeneratorTimeout, "COMPANION_AI_GENERATOR_TIMEOUT", 30*time.Second)
	setString(&p.AIDeepSeekAPIKey, "COMPANION_AI_DEEPSEEK_API_KEY", "")
	setString(&p.AIDeepSeekBaseURL, "COMPANION_AI_DEEPSEEK_BASE_URL", "https://api.deepseek.com")
	setString(&p.AIOpenAIAPIKey, "COMPANION_AI_OPENAI_API_KEY", "")
	setString(&p.AIOpenAIBaseURL, "COMPANION_AI_OPENAI_BASE_URL", "https://api.openai.com/v1")
	setString(&p.AISiliconFlowAPIKey, "COMPANION_AI_SILICONFLOW_API_KEY", "")
	setString(&p.AISiliconFlowBaseURL, "COMPANION_AI_SILICONFLOW_BASE_URL", "https://api.siliconflow.cn/v1")
	setString(&p.AIOllamaBaseURL, "COMPANION_AI_OLLAMA_BASE_URL", "http://localhost:11434/v1")

	if len(p.AILLMFallbacks) == 0 {
		p.AILLMFallbacks = splitList(os.Getenv("COMPANION_AI_LLM_FALLBACKS"))
	}
}

func splitList(raw string) []string {
	var list []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	return list
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	switch p.Driver {
	case "":
		p.Driver = "memory"
	case "memory", "sqlite", "postgres":
	default:
		return errors.Errorf("unsupported driver %q", p.Driver)
	}

	switch p.EngineMode {
	case "":
		p.EngineMode = EngineModeAgent
	case EngineModeAgent, EngineModeSpecialists:
	default:
		return errors.Errorf("unsupported engine mode %q", p.EngineMode)
	}

	if p.MaxIterations == 0 {
		p.MaxIterations = 10
	}
	if p.MaxIterations < 0 || p.MaxIterations > 50 {
		return errors.Errorf("max iterations must be within 1..50, got %d", p.MaxIterations)
	}
	if p.ToolFanOut <= 0 {
		p.ToolFanOut = 1
	}
	if p.MaxConcurrentTurns <= 0 {
		p.MaxConcurrentTurns = 1
	}
	if _, err := time.LoadLocation(p.Timezone); err != nil {
		return errors.Wrapf(err, "invalid timezone %s", p.Timezone)
	}

	if p.Driver != "sqlite" {
		return nil
	}

	if p.Mode == "prod" && p.Data == "" {
		if runtime.GOOS == "windows" {
			p.Data = filepath.Join(os.Getenv("ProgramData"), "companion")
			if _, err := os.Stat(p.Data); os.IsNotExist(err) {
				if err := os.MkdirAll(p.Data, 0770); err != nil {
					slog.Error("failed to create data directory", slog.String("data", p.Data), slog.String("error", err.Error()))
					return err
				}
			}
		} else {
			p.Data = "/var/opt/companion"
		}
	}
	if p.Data == "" {
		p.Data = "."
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		slog.Error("failed to check dsn", slog.String("data", dataDir), slog.String("error", err.Error()))
		return err
	}

	p.Data = dataDir
	if p.DSN == "" {
		dbFile := fmt.Sprintf("companion_%s.db", p.Mode)
		p.DSN = filepath.Join(dataDir, dbFile)
	}

	return nil
}

package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// ThinkingOutputMode controls how upstream thought text is surfaced on the
// OpenAI endpoint.
type ThinkingOutputMode string

const (
	ThinkingOutputReasoningContent ThinkingOutputMode = "reasoning_content"
	ThinkingOutputTags             ThinkingOutputMode = "tags"
	ThinkingOutputBoth             ThinkingOutputMode = "both"
)

// Config is the process-wide environment configuration. Zero values mean
// "disabled" for every cap.
type Config struct {
	// Output shaping
	MaxOutputTokensWithTools int
	OpenAIThinkingOutput     ThinkingOutputMode
	ReplayThoughtText        bool

	// Tool-output limiter
	ToolResultMaxChars      int
	ToolResultTotalMaxChars int
	ToolResultTailChars     int
	ToolResultTruncateLog   bool

	// Signature cache TTLs and sizes
	ToolThoughtSignatureTTL time.Duration
	ToolThoughtSignatureMax int
	ThinkingSignatureTTL    time.Duration
	ThinkingSignatureMax    int
	LastSignatureTTL        time.Duration
	LastSignatureMax        int
	AssistantSignatureTTL   time.Duration
	AssistantSignatureMax   int

	// Concurrency gate
	MaxConcurrentPerModel int
	DisableLocalLimits    bool

	// Retry engine
	RetryCount            int
	RetryBaseDelay        time.Duration
	SameAccountRetries    int
	SameAccountRetryDelay time.Duration
	AccountSwitchDelay    time.Duration

	// Baseline capacity cooldown when the upstream gives no reset hint
	CapacityCooldown time.Duration

	// Inbound bearer key; empty disables auth
	APIKey string
}

// Load reads a .env file if present, then the process environment.
func Load() *Config {
	if err := godotenv.Load(); err == nil {
		log.Printf("[Config] Loaded .env file")
	}

	c := &Config{
		MaxOutputTokensWithTools: envInt("MAX_OUTPUT_TOKENS_WITH_TOOLS", 0),
		OpenAIThinkingOutput:     thinkingMode(os.Getenv("OPENAI_THINKING_OUTPUT")),
		ReplayThoughtText:        envBool("CLAUDE_OPENAI_REPLAY_THOUGHT_TEXT", false),

		ToolResultMaxChars:      envInt("TOOL_RESULT_MAX_CHARS", 0),
		ToolResultTotalMaxChars: envInt("TOOL_RESULT_TOTAL_MAX_CHARS", 0),
		ToolResultTailChars:     envInt("TOOL_RESULT_TAIL_CHARS", 2000),
		ToolResultTruncateLog:   envBool("TOOL_RESULT_TRUNCATE_LOG", false),

		ToolThoughtSignatureTTL: envDurationMs("TOOL_THOUGHT_SIGNATURE_TTL_MS", 10*time.Minute),
		ToolThoughtSignatureMax: envInt("TOOL_THOUGHT_SIGNATURE_MAX", 1000),
		ThinkingSignatureTTL:    envDurationMs("CLAUDE_THINKING_SIGNATURE_TTL_MS", 24*time.Hour),
		ThinkingSignatureMax:    envInt("CLAUDE_THINKING_SIGNATURE_MAX", 2000),
		LastSignatureTTL:        envDurationMs("CLAUDE_LAST_SIGNATURE_TTL_MS", 24*time.Hour),
		LastSignatureMax:        envInt("CLAUDE_LAST_SIGNATURE_MAX", 500),
		AssistantSignatureTTL:   envDurationMs("CLAUDE_ASSISTANT_SIGNATURE_TTL_MS", 24*time.Hour),
		AssistantSignatureMax:   envInt("CLAUDE_ASSISTANT_SIGNATURE_MAX", 2000),

		MaxConcurrentPerModel: envInt("MAX_CONCURRENT_PER_MODEL", 0),
		DisableLocalLimits:    envBool("DISABLE_LOCAL_LIMITS", false),

		RetryCount:            envInt("RETRY_COUNT", 3),
		RetryBaseDelay:        envDurationMs("RETRY_BASE_DELAY_MS", time.Second),
		SameAccountRetries:    envInt("SAME_ACCOUNT_RETRIES", 1),
		SameAccountRetryDelay: envDurationMs("SAME_ACCOUNT_RETRY_DELAY_MS", 500*time.Millisecond),
		AccountSwitchDelay:    envDurationMs("ACCOUNT_SWITCH_DELAY_MS", 500*time.Millisecond),

		CapacityCooldown: envDurationMs("CAPACITY_COOLDOWN_MS", time.Minute),

		APIKey: os.Getenv("API_KEY"),
	}

	if c.DisableLocalLimits {
		c.ToolResultMaxChars = 0
		c.ToolResultTotalMaxChars = 0
		c.MaxConcurrentPerModel = 0
	}

	return c
}

func thinkingMode(s string) ThinkingOutputMode {
	switch ThinkingOutputMode(s) {
	case ThinkingOutputTags, ThinkingOutputBoth:
		return ThinkingOutputMode(s)
	default:
		return ThinkingOutputReasoningContent
	}
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Printf("[Config] Invalid integer for %s: %q, using default %d", key, v, def)
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDurationMs(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}

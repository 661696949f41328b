package config

import (
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// LLMTimeouts centralizes the wall-clock budgets for model calls. The
// shortest timeout in the chain wins, so the orchestrator's per-call budget
// is the single knob.
type LLMTimeouts struct {
	// Local is the budget for the in-process llama.cpp runtime. CPU-only
	// generation on large prompts can take most of a minute.
	Local time.Duration `yaml:"local"`

	// Remote is the budget for hosted providers (OpenAI, Gemini).
	Remote time.Duration `yaml:"remote"`

	// Custom is the budget for user-configured endpoints, which are often
	// self-hosted and slower than the big providers.
	Custom time.Duration `yaml:"custom"`
}

// DefaultLLMTimeouts returns the per-mode defaults.
func DefaultLLMTimeouts() LLMTimeouts {
	return LLMTimeouts{
		Local:  60 * time.Second,
		Remote: 10 * time.Second,
		Custom: 60 * time.Second,
	}
}

const (
	envLocalTimeout  = "AI_FILE_SORTER_LOCAL_LLM_TIMEOUT"
	envRemoteTimeout = "AI_FILE_SORTER_REMOTE_LLM_TIMEOUT"
	envCustomTimeout = "AI_FILE_SORTER_CUSTOM_LLM_TIMEOUT"
)

// ForChoice resolves the timeout for the given model choice, honoring the
// per-mode environment override. A non-positive parsed value is ignored with
// a warning.
func (t LLMTimeouts) ForChoice(choice LLMChoice, log *zap.Logger) time.Duration {
	if log == nil {
		log = zap.NewNop()
	}

	timeout := t.Remote
	envKey := envRemoteTimeout
	switch choice {
	case ChoiceLocal:
		timeout = t.Local
		envKey = envLocalTimeout
	case ChoiceRemoteCustom:
		timeout = t.Custom
		envKey = envCustomTimeout
	}

	value := os.Getenv(envKey)
	if value == "" {
		return timeout
	}

	parsed, err := strconv.Atoi(value)
	if err != nil {
		log.Warn("Failed to parse LLM timeout", zap.String("value", value), zap.Error(err))
		return timeout
	}
	if parsed <= 0 {
		log.Warn("Ignoring non-positive LLM timeout", zap.String("value", value))
		return timeout
	}

	resolved := time.Duration(parsed) * time.Second
	log.Debug("Using LLM timeout from environment",
		zap.String("choice", string(choice)),
		zap.Duration("timeout", resolved))
	return resolved
}

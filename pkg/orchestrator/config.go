package orchestrator

import (
	"time"

	"github.com/harun/concierge/pkg/agent"
)

// Config holds turn driver settings. It may be replaced at runtime with
// SetConfig; a running turn keeps the config it started with.
type Config struct {
	SystemPrompt string
	Model        string
	MaxTokens    int
	// MaxIterations bounds model calls per turn.
	MaxIterations int
	// ModelTimeout bounds one model call including its retries.
	ModelTimeout time.Duration
	// ToolTimeout bounds one inline T1 execution.
	ToolTimeout time.Duration
	// SoftConfirmWindow is used when a request does not carry its own.
	SoftConfirmWindow time.Duration
	// ContextTokens triggers history compaction above this estimate.
	ContextTokens int
	Retry         agent.RetryPolicy
}

// DefaultConfig returns the default turn settings.
func DefaultConfig() Config {
	return Config{
		SystemPrompt:      "You are a careful assistant for a small business. Read data freely; changes are proposed to the owner before they take effect.",
		MaxTokens:         2048,
		MaxIterations:     8,
		ModelTimeout:      60 * time.Second,
		ToolTimeout:       30 * time.Second,
		SoftConfirmWindow: 2 * time.Minute,
		ContextTokens:     24000,
		Retry:             agent.DefaultRetryPolicy(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SystemPrompt == "" {
		c.SystemPrompt = d.SystemPrompt
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.ModelTimeout <= 0 {
		c.ModelTimeout = d.ModelTimeout
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = d.ToolTimeout
	}
	if c.SoftConfirmWindow <= 0 {
		c.SoftConfirmWindow = d.SoftConfirmWindow
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = d.Retry
	}
	return c
}

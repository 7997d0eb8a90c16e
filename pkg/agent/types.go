package agent

import (
	"errors"

	"github.com/harun/concierge/pkg/tools"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

var (
	ErrNoProfiles      = errors.New("at least one provider profile is required")
	ErrUnknownProvider = errors.New("unsupported provider")
	ErrEmptyResponse   = errors.New("provider returned no choices")
	ErrAllProfiles     = errors.New("all provider profiles failed")
)

// Request is one model call.
type Request struct {
	Model        string
	Messages     []Message
	Tools        []tools.Schema
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// Response is what the model returned for one call.
type Response struct {
	Content   string
	ToolCalls []ToolCall
	Usage     *Usage
}

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// Usage tracks token consumption
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Message is one entry of the model context.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// Profile holds the credentials and model of one provider account.
type Profile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // "anthropic", "openai"
	APIKey   string `json:"-" mapstructure:"api_key"`
	BaseURL  string `json:"base_url,omitempty" mapstructure:"base_url"`
	Model    string `json:"model" mapstructure:"model"`
	// Priority orders failover; lower goes first.
	Priority int `json:"priority" mapstructure:"priority"`
}

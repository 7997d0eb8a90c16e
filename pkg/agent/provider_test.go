package agent

import (
	"testing"

	"github.com/harun/concierge/pkg/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSchemas = []tools.Schema{{
	Name:        "update_pricing",
	Description: "Change a product price",
	InputSchema: map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"price": map[string]interface{}{"type": "number"}},
		"required":   []string{"price"},
	},
}}

var testConversation = []Message{
	{Role: RoleSystem, Content: "note: proposal p1 executed"},
	{Role: RoleUser, Content: "set price to 10"},
	{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "update_pricing", Arguments: map[string]interface{}{"price": 10}}}},
	{Role: RoleTool, ToolCallID: "c1", Content: "proposal created"},
}

func TestDefaultFactory(t *testing.T) {
	p, err := DefaultFactory{}.NewProvider(Profile{Provider: "anthropic", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.Name())

	p, err = DefaultFactory{}.NewProvider(Profile{Provider: "openai", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())

	_, err = DefaultFactory{}.NewProvider(Profile{Provider: "gemini"})
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestAnthropicParams(t *testing.T) {
	params := anthropicParams(Request{
		Model:        "claude-sonnet-4-5",
		SystemPrompt: "You are a store assistant.",
		Messages:     testConversation,
		Tools:        testSchemas,
	})

	assert.Equal(t, int64(defaultAnthropicMaxTokens), params.MaxTokens)
	require.Len(t, params.System, 1)
	assert.Contains(t, params.System[0].Text, "You are a store assistant.")
	assert.Contains(t, params.System[0].Text, "proposal p1 executed")
	assert.Len(t, params.Messages, 3)
	require.Len(t, params.Tools, 1)
	require.NotNil(t, params.Tools[0].OfTool)
	assert.Equal(t, "update_pricing", params.Tools[0].OfTool.Name)
	assert.Equal(t, []string{"price"}, params.Tools[0].OfTool.InputSchema.Required)
}

func TestOpenAIParams(t *testing.T) {
	params, err := openaiParams(Request{
		Model:        "gpt-4o",
		SystemPrompt: "You are a store assistant.",
		Messages:     testConversation,
		Tools:        testSchemas,
		MaxTokens:    256,
	})
	require.NoError(t, err)

	assert.Len(t, params.Messages, 5)
	require.Len(t, params.Tools, 1)
	assert.Equal(t, "update_pricing", params.Tools[0].Function.Name)
}

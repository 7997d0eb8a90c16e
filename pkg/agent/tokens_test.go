package agent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountTokens(t *testing.T) {
	assert.Zero(t, CountTokens(""))
	assert.Positive(t, CountTokens("hello world"))
	assert.Greater(t, CountTokens(strings.Repeat("pricing update ", 100)), CountTokens("pricing update"))
}

func TestCompact_UnderBudgetUnchanged(t *testing.T) {
	msgs := []Message{
		{Role: RoleSystem, Content: "You are a store assistant."},
		{Role: RoleUser, Content: "hi"},
	}
	assert.Equal(t, msgs, Compact(msgs, 1000))
	assert.Equal(t, msgs, Compact(msgs, 0))
}

func TestCompact_DropsOldestKeepsSystemAndLast(t *testing.T) {
	msgs := []Message{{Role: RoleSystem, Content: "You are a store assistant."}}
	for i := 0; i < 40; i++ {
		msgs = append(msgs,
			Message{Role: RoleUser, Content: strings.Repeat("tell me about the catalog ", 10)},
			Message{Role: RoleAssistant, Content: strings.Repeat("here is the catalog ", 10)},
		)
	}
	msgs = append(msgs, Message{Role: RoleUser, Content: "latest question"})

	out := Compact(msgs, 300)
	require.Less(t, len(out), len(msgs))
	assert.Equal(t, msgs[0], out[0])
	assert.Equal(t, RoleSystem, out[1].Role)
	assert.Contains(t, out[1].Content, "earlier messages omitted")
	assert.Equal(t, "latest question", out[len(out)-1].Content)
}

func TestCompact_KeepsToolCallWithResult(t *testing.T) {
	long := strings.Repeat("filler text ", 60)
	msgs := []Message{
		{Role: RoleUser, Content: long},
		{Role: RoleAssistant, Content: long},
		{Role: RoleUser, Content: "look up booking 7"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "get_booking", Arguments: map[string]interface{}{"id": "7"}}}},
		{Role: RoleTool, ToolCallID: "c1", Content: long},
	}

	out := Compact(msgs, 200)
	for i, msg := range out {
		if msg.Role == RoleTool {
			require.Greater(t, i, 0)
			assert.Equal(t, RoleAssistant, out[i-1].Role)
		}
	}
}

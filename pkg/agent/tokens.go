package agent

import (
	"fmt"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// perMessageOverhead approximates role and framing tokens per message.
const perMessageOverhead = 4

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

func defaultCodec() tokenizer.Codec {
	codecOnce.Do(func() {
		c, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err == nil {
			codec = c
		}
	})
	return codec
}

// CountTokens estimates the tokens of text. cl100k is used for every
// provider; the count only drives compaction so small drift is harmless.
func CountTokens(text string) int {
	if text == "" {
		return 0
	}
	if c := defaultCodec(); c != nil {
		if ids, _, err := c.Encode(text); err == nil {
			return len(ids)
		}
	}
	return (len(text) + 3) / 4
}

// EstimateTokens estimates the prompt size of messages.
func EstimateTokens(messages []Message) int {
	total := 0
	for _, msg := range messages {
		total += perMessageOverhead + CountTokens(msg.Content)
		for _, tc := range msg.ToolCalls {
			total += CountTokens(tc.Name) + CountTokens(fmt.Sprint(tc.Arguments))
		}
	}
	return total
}

// Compact drops the oldest non-system messages until the estimate fits
// maxTokens, replacing them with a one-line note. System messages and the
// last message are always kept.
func Compact(messages []Message, maxTokens int) []Message {
	if maxTokens <= 0 || EstimateTokens(messages) <= maxTokens || len(messages) < 2 {
		return messages
	}

	var system, rest []Message
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			system = append(system, msg)
		} else {
			rest = append(rest, msg)
		}
	}

	budget := maxTokens - EstimateTokens(system) - perMessageOverhead*3
	kept := 0
	used := 0
	for i := len(rest) - 1; i >= 0; i-- {
		cost := EstimateTokens(rest[i : i+1])
		if kept > 0 && used+cost > budget {
			break
		}
		used += cost
		kept++
	}
	start := len(rest) - kept
	// A tool result must not lose the assistant call it answers.
	for start > 0 && start < len(rest) && rest[start].Role == RoleTool {
		start--
	}
	if start == 0 {
		return messages
	}

	out := make([]Message, 0, len(system)+1+len(rest)-start)
	out = append(out, system...)
	out = append(out, Message{
		Role:    RoleSystem,
		Content: fmt.Sprintf("[%d earlier messages omitted]", start),
	})
	return append(out, rest[start:]...)
}

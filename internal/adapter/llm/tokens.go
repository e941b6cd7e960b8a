package llm

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/xiaot623/agentrun/internal/domain"
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

// CountTokens estimates the token count of text with the cl100k encoding,
// falling back to four characters per token when the encoding is unavailable.
func CountTokens(text string) int {
	codecOnce.Do(func() {
		c, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err == nil {
			codec = c
		}
	})
	if codec != nil {
		if ids, _, err := codec.Encode(text); err == nil {
			return len(ids)
		}
	}
	return (len(text) + 3) / 4
}

// CountMessages estimates prompt tokens for a conversation.
func CountMessages(messages []domain.ChatMessage) int {
	total := 0
	for _, m := range messages {
		// role and separators
		total += 4
		total += CountTokens(m.Content)
		for _, tc := range m.ToolCalls {
			total += CountTokens(tc.Name) + CountTokens(string(tc.Args))
		}
	}
	return total
}

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/xiaot623/agentrun/internal/domain"
)

// MockFailMarker in a user message makes the mock model fail the call.
const MockFailMarker = "[mock:fail]"

// MockClient is a deterministic offline model.
// A user message naming an advertised tool produces a call to it, with the JSON object following
// the name as arguments. Tool results are summarized into a final answer.
type MockClient struct {
	chunkSize int
}

var _ Model = (*MockClient)(nil)

// NewMockClient creates a new mock model.
func NewMockClient() *MockClient {
	return &MockClient{chunkSize: 10}
}

// Stream produces the mock completion, streaming its content in small chunks.
func (m *MockClient) Stream(ctx context.Context, req Request, onDelta func(string) error) (Completion, error) {
	if len(req.Messages) == 0 {
		return Completion{}, errors.New("mock model: empty conversation")
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role == domain.MessageRoleUser && strings.Contains(last.Content, MockFailMarker) {
		return Completion{}, errors.New("mock model: requested failure")
	}

	out := Completion{FinishReason: "stop"}
	switch last.Role {
	case domain.MessageRoleTool:
		out.Content = summarizeToolResults(req.Messages)
	default:
		out.ToolCalls = requestedTools(last.Content, req.Tools)
		if len(out.ToolCalls) > 0 {
			out.FinishReason = "tool_calls"
			names := make([]string, 0, len(out.ToolCalls))
			for _, tc := range out.ToolCalls {
				names = append(names, tc.Name)
			}
			out.Content = "Calling " + strings.Join(names, ", ") + "."
		} else {
			out.Content = fmt.Sprintf("[MOCK] Received your message: %q. This is a mock response.", truncate(last.Content, 100))
		}
	}

	for _, chunk := range splitIntoChunks(out.Content, m.chunkSize) {
		if err := ctx.Err(); err != nil {
			return Completion{}, err
		}
		if onDelta != nil {
			if err := onDelta(chunk); err != nil {
				return Completion{}, err
			}
		}
	}

	out.InputTokens = CountMessages(req.Messages)
	out.OutputTokens = CountTokens(out.Content)
	return out, nil
}

// requestedTools finds advertised tool names in text, in order of appearance.
func requestedTools(text string, tools []ToolSpec) []domain.RequestedToolCall {
	type mention struct {
		at   int
		name string
	}
	var mentions []mention
	for _, t := range tools {
		if i := strings.Index(text, t.Name); i >= 0 {
			mentions = append(mentions, mention{at: i, name: t.Name})
		}
	}
	sort.Slice(mentions, func(i, j int) bool { return mentions[i].at < mentions[j].at })

	calls := make([]domain.RequestedToolCall, 0, len(mentions))
	for _, mn := range mentions {
		calls = append(calls, domain.RequestedToolCall{
			ID:   "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24],
			Name: mn.name,
			Args: argsAfter(text[mn.at+len(mn.name):]),
		})
	}
	return calls
}

func argsAfter(rest string) json.RawMessage {
	rest = strings.TrimLeft(rest, " \t:")
	if !strings.HasPrefix(rest, "{") {
		return json.RawMessage(`{}`)
	}
	var obj json.RawMessage
	if err := json.NewDecoder(strings.NewReader(rest)).Decode(&obj); err != nil {
		return json.RawMessage(`{}`)
	}
	return obj
}

func summarizeToolResults(messages []domain.ChatMessage) string {
	var parts []string
	for i := len(messages) - 1; i >= 0 && messages[i].Role == domain.MessageRoleTool; i-- {
		parts = append(parts, fmt.Sprintf("%s returned %s", messages[i].ToolName, truncate(messages[i].Content, 200)))
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return "[MOCK] " + strings.Join(parts, "; ") + "."
}

func splitIntoChunks(s string, size int) []string {
	if s == "" {
		return nil
	}
	runes := []rune(s)
	chunks := make([]string, 0, len(runes)/size+1)
	for i := 0; i < len(runes); i += size {
		end := min(i+size, len(runes))
		chunks = append(chunks, string(runes[i:end]))
	}
	return chunks
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

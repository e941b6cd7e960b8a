package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/agentrun/internal/domain"
)

func TestClientStreamAccumulatesContentAndToolCalls(t *testing.T) {
	var got ChatCompletionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"id":"c1","choices":[{"index":0,"delta":{"role":"assistant","content":"Let me "}}]}`,
			`{"id":"c1","choices":[{"index":0,"delta":{"content":"check."}}]}`,
			`{"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"weather__query","arguments":"{\"ci"}}]}}]}`,
			`{"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"ty\":\"Oslo\"}"}}]}}]}`,
			`{"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
			`{"id":"c1","choices":[],"usage":{"prompt_tokens":12,"completion_tokens":7,"total_tokens":19}}`,
		}
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := NewClient(server.URL, "key", time.Second)
	var deltas []string
	out, err := client.Stream(context.Background(), Request{
		Model:    "gpt-test",
		Messages: []domain.ChatMessage{{Role: domain.MessageRoleUser, Content: "weather in Oslo?"}},
		Tools:    []ToolSpec{{Name: "weather.query", Parameters: json.RawMessage(`{"type":"object"}`)}},
	}, func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	require.NoError(t, err)

	assert.True(t, got.Stream)
	require.Len(t, got.Tools, 1)
	assert.Equal(t, "weather__query", got.Tools[0].Function.Name)
	assert.Equal(t, "auto", got.ToolChoice)
	assert.Equal(t, []string{"Let me ", "check."}, deltas)
	assert.Equal(t, "Let me check.", out.Content)
	assert.Equal(t, "tool_calls", out.FinishReason)
	assert.Equal(t, 12, out.InputTokens)
	assert.Equal(t, 7, out.OutputTokens)
	require.Len(t, out.ToolCalls, 1)
	assert.Equal(t, "call_1", out.ToolCalls[0].ID)
	assert.Equal(t, "weather.query", out.ToolCalls[0].Name)
	assert.JSONEq(t, `{"city":"Oslo"}`, string(out.ToolCalls[0].Args))
}

func TestClientStreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"bad","type":"invalid_request_error"}}`)
	}))
	defer server.Close()

	_, err := NewClient(server.URL, "", time.Second).Stream(context.Background(), Request{
		Model:    "gpt",
		Messages: []domain.ChatMessage{{Role: domain.MessageRoleUser, Content: "hello"}},
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
}

func TestClientStreamEstimatesUsageWhenMissing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"hello there\"},\"finish_reason\":\"stop\"}]}\n\n")
	}))
	defer server.Close()

	out, err := NewClient(server.URL, "", time.Second).Stream(context.Background(), Request{
		Messages: []domain.ChatMessage{{Role: domain.MessageRoleUser, Content: "hi"}},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello there", out.Content)
	assert.Positive(t, out.InputTokens)
	assert.Positive(t, out.OutputTokens)
}

func TestNewSelectsProvider(t *testing.T) {
	logger := discardLogger()

	m, err := New(Config{Provider: "mock"}, logger)
	require.NoError(t, err)
	assert.IsType(t, &MockClient{}, m)

	_, err = New(Config{Provider: "openai"}, logger)
	assert.Error(t, err)

	_, err = New(Config{Provider: "other"}, logger)
	assert.Error(t, err)
}

func TestWireToolNames(t *testing.T) {
	valid := regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)
	for _, name := range []string{"weather.query", "payments.transfer", "dangerous.command", "clock.sleep", "ns/tool name"} {
		wire := wireToolName(name)
		assert.Regexp(t, valid, wire, name)
	}
	assert.Equal(t, "payments__transfer", wireToolName("payments.transfer"))
	assert.Len(t, wireToolName(strings.Repeat("a.", 40)), 64)

	names := newToolNames([]ToolSpec{{Name: "payments.transfer"}, {Name: "ns/tool name"}})
	assert.Equal(t, "payments.transfer", names.decode("payments__transfer"))
	assert.Equal(t, "ns/tool name", names.decode(wireToolName("ns/tool name")))
	assert.Equal(t, "docs.search", names.decode("docs__search"))
}

func TestClientStreamEncodesReplayedToolCalls(t *testing.T) {
	var got ChatCompletionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"tool_calls\":[{\"index\":0,\"id\":\"call_2\",\"function\":{\"name\":\"payments__transfer\",\"arguments\":\"{}\"}}]},\"finish_reason\":\"tool_calls\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	out, err := NewClient(server.URL, "", time.Second).Stream(context.Background(), Request{
		Messages: []domain.ChatMessage{
			{Role: domain.MessageRoleUser, Content: "pay"},
			{Role: domain.MessageRoleAssistant, ToolCalls: []domain.RequestedToolCall{{ID: "call_1", Name: "weather.query", Args: json.RawMessage(`{}`)}}},
			{Role: domain.MessageRoleTool, ToolCallID: "call_1", Content: "sunny"},
		},
		Tools: []ToolSpec{{Name: "weather.query"}, {Name: "payments.transfer"}},
	}, nil)
	require.NoError(t, err)

	require.Len(t, got.Messages, 3)
	require.Len(t, got.Messages[1].ToolCalls, 1)
	assert.Equal(t, "weather__query", got.Messages[1].ToolCalls[0].Function.Name)
	require.Len(t, got.Tools, 2)
	assert.Equal(t, "payments__transfer", got.Tools[1].Function.Name)

	require.Len(t, out.ToolCalls, 1)
	assert.Equal(t, "payments.transfer", out.ToolCalls[0].Name)
}

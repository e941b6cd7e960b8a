package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Client streams completions from an OpenAI-compatible endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ Model = (*Client)(nil)

// NewClient creates a client for baseURL (without the /v1 suffix).
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Stream sends a streaming chat completion request and folds the SSE chunks.
func (c *Client) Stream(ctx context.Context, req Request, onDelta func(string) error) (Completion, error) {
	body, err := json.Marshal(toWire(req))
	if err != nil {
		return Completion{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Completion{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Completion{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		var errResp ErrorResponse
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error != nil {
			return Completion{}, fmt.Errorf("LLM API error [%d]: %s (type: %s)", resp.StatusCode, errResp.Error.Message, errResp.Error.Type)
		}
		return Completion{}, fmt.Errorf("LLM API error [%d]: %s", resp.StatusCode, string(respBody))
	}

	acc := newAccumulator()
	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return Completion{}, fmt.Errorf("failed to read stream: %w", err)
		}
		done := err != nil

		line = strings.TrimSpace(line)
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			data = strings.TrimSpace(data)
			if data == "[DONE]" {
				break
			}
			var chunk StreamChunk
			if jerr := json.Unmarshal([]byte(data), &chunk); jerr == nil {
				if delta := acc.add(&chunk); delta != "" && onDelta != nil {
					if cerr := onDelta(delta); cerr != nil {
						return Completion{}, cerr
					}
				}
			}
		}
		if done {
			break
		}
	}

	out, err := acc.completion()
	if err != nil {
		return Completion{}, err
	}
	names := newToolNames(req.Tools)
	for i := range out.ToolCalls {
		out.ToolCalls[i].Name = names.decode(out.ToolCalls[i].Name)
	}
	if acc.usage == nil {
		out.InputTokens = CountMessages(req.Messages)
		out.OutputTokens = CountTokens(out.Content)
	}
	return out, nil
}

func toWire(req Request) *ChatCompletionRequest {
	wire := &ChatCompletionRequest{
		Model:         req.Model,
		Stream:        true,
		StreamOptions: &StreamOptions{IncludeUsage: true},
	}
	for _, m := range req.Messages {
		msg := ChatMessage{Role: string(m.Role), Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: ToolCallFunction{Name: wireToolName(tc.Name), Arguments: string(tc.Args)},
			})
		}
		wire.Messages = append(wire.Messages, msg)
	}
	for _, t := range req.Tools {
		var params any
		if len(t.Parameters) > 0 {
			params = json.RawMessage(t.Parameters)
		}
		wire.Tools = append(wire.Tools, Tool{
			Type:     "function",
			Function: ToolFunction{Name: wireToolName(t.Name), Description: t.Description, Parameters: params},
		})
	}
	if len(wire.Tools) > 0 {
		wire.ToolChoice = "auto"
	}
	return wire
}

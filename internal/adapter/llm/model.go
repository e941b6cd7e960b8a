// Package llm adapts chat models to the orchestrator. A Model streams one completion per call.
package llm

import (
	"context"
	"encoding/json"

	"github.com/xiaot623/agentrun/internal/domain"
)

// Model produces one completion for a conversation. onDelta receives streamed content in order;
// an error from onDelta aborts the call.
type Model interface {
	Stream(ctx context.Context, req Request, onDelta func(content string) error) (Completion, error)
}

// Request is one model call.
type Request struct {
	Model    string
	Messages []domain.ChatMessage
	Tools    []ToolSpec
}

// ToolSpec advertises a callable tool to the model.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Completion is the final outcome of a model call.
type Completion struct {
	Content      string
	ToolCalls    []domain.RequestedToolCall
	InputTokens  int
	OutputTokens int
	FinishReason string
}

// ModelFunc adapts a function to Model.
type ModelFunc func(ctx context.Context, req Request, onDelta func(string) error) (Completion, error)

func (f ModelFunc) Stream(ctx context.Context, req Request, onDelta func(string) error) (Completion, error) {
	return f(ctx, req, onDelta)
}

package domain

import (
	"encoding/json"
	"time"
)

// ToolExecutionContext carries the identity and limits of one tool call.
type ToolExecutionContext struct {
	RunID          string        `json:"run_id"`
	StepID         string        `json:"step_id"`
	ToolCallID     string        `json:"tool_call_id"`
	TenantID       string        `json:"tenant_id"`
	UserID         string        `json:"user_id"`
	IdempotencyKey string        `json:"idempotency_key"`
	CorrelationID  string        `json:"correlation_id"`
	Timeout        time.Duration `json:"timeout"`
}

// ToolArtifact is an output a tool asks to persist alongside its result.
type ToolArtifact struct {
	Name        string          `json:"name"`
	ContentType string          `json:"content_type"`
	Content     json.RawMessage `json:"content,omitempty"`
	URI         string          `json:"uri,omitempty"`
}

// ToolExecutionResult is the outcome of a tool call. Executors never return errors; failures land here.
type ToolExecutionResult struct {
	Success   bool            `json:"success"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	TimedOut  bool            `json:"timed_out,omitempty"`
	Duration  time.Duration   `json:"duration"`
	Artifacts []ToolArtifact  `json:"artifacts,omitempty"`
}

// ToolDescriptor describes a registered tool to callers.
type ToolDescriptor struct {
	Name             string          `json:"name"`
	Description      string          `json:"description"`
	Category         string          `json:"category"`
	Parameters       json.RawMessage `json:"parameters"`
	RiskTier         RiskTier        `json:"risk_tier"`
	RequiresApproval bool            `json:"requires_approval"`
	TimeoutMs        int64           `json:"timeout_ms"`
}

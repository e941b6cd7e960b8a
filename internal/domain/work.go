package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WorkItem is a queued instruction describing the next orchestration action for a run.
type WorkItem struct {
	ID             string          `json:"id"`
	RunID          string          `json:"run_id"`
	TenantID       string          `json:"tenant_id"`
	CorrelationID  string          `json:"correlation_id"`
	Type           WorkType        `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
	RetryCount     int             `json:"retry_count"`
	ScheduledDelay time.Duration   `json:"scheduled_delay,omitempty"`
}

// NewWorkItem builds a work item with an encoded payload.
func NewWorkItem(workType WorkType, runID, tenantID, correlationID string, payload any) (WorkItem, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return WorkItem{}, fmt.Errorf("encode %s payload: %w", workType, err)
	}
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return WorkItem{
		ID:            uuid.NewString(),
		RunID:         runID,
		TenantID:      tenantID,
		CorrelationID: correlationID,
		Type:          workType,
		Payload:       raw,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// Decode unmarshals the payload into v.
func (w WorkItem) Decode(v any) error {
	if len(w.Payload) == 0 {
		return fmt.Errorf("work item %s has no payload", w.ID)
	}
	if err := json.Unmarshal(w.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", w.Type, err)
	}
	return nil
}

// FollowUp derives a work item for the same run, keeping tenant and correlation.
func (w WorkItem) FollowUp(workType WorkType, payload any) (WorkItem, error) {
	return NewWorkItem(workType, w.RunID, w.TenantID, w.CorrelationID, payload)
}

// OrchestrateRunPayload starts orchestration of a new run.
type OrchestrateRunPayload struct {
	UserID string `json:"user_id"`
}

// ContinueRunPayload resumes a run after a tool result or user message.
type ContinueRunPayload struct {
	UserID string `json:"user_id"`
}

// ChatMessage is a model-facing conversation message.
type ChatMessage struct {
	Role       MessageRole         `json:"role"`
	Content    string              `json:"content"`
	ToolCallID string              `json:"tool_call_id,omitempty"`
	ToolName   string              `json:"tool_name,omitempty"`
	ToolCalls  []RequestedToolCall `json:"tool_calls,omitempty"`
}

// ExecuteLlmCallPayload requests one model call.
type ExecuteLlmCallPayload struct {
	StepID    string        `json:"step_id"`
	Model     string        `json:"model"`
	Messages  []ChatMessage `json:"messages"`
	ToolNames []string      `json:"tool_names,omitempty"`
}

// ExecuteToolCallPayload requests one tool execution.
type ExecuteToolCallPayload struct {
	StepID         string          `json:"step_id"`
	ToolCallID     string          `json:"tool_call_id"`
	ToolName       string          `json:"tool_name"`
	Args           json.RawMessage `json:"args"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// ProcessApprovalPayload applies a reviewer decision.
type ProcessApprovalPayload struct {
	ApprovalID string           `json:"approval_id"`
	Decision   ApprovalDecision `json:"decision"`
	EditedArgs json.RawMessage  `json:"edited_args,omitempty"`
	ResolvedBy string           `json:"resolved_by,omitempty"`
	Comment    string           `json:"comment,omitempty"`
	AssignTo   string           `json:"assign_to,omitempty"`
}

// TimeoutCheckPayload expires an approval left pending too long.
type TimeoutCheckPayload struct {
	ApprovalID string `json:"approval_id"`
}

// CleanupPayload closes a run.
type CleanupPayload struct {
	Reason string `json:"reason,omitempty"`
	Cancel bool   `json:"cancel,omitempty"`
}

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Payload is the type-specific body of an event.
type Payload interface {
	EventType() EventType
}

// Event is an immutable fact about one run.
type Event struct {
	ID            string    `json:"id"`
	RunID         string    `json:"run_id"`
	StepID        string    `json:"step_id,omitempty"`
	Type          EventType `json:"type"`
	TenantID      string    `json:"tenant_id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	CausationID   string    `json:"causation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Payload       Payload   `json:"payload"`
}

// StoredEvent is an event with its store-assigned sequence.
type StoredEvent struct {
	Event
	Sequence int64     `json:"sequence"`
	StoredAt time.Time `json:"stored_at"`
}

// NewEvent builds an event for a run with a fresh id and the current time.
func NewEvent(runID, tenantID string, payload Payload) Event {
	return Event{
		ID:        uuid.NewString(),
		RunID:     runID,
		Type:      payload.EventType(),
		TenantID:  tenantID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// RunStartedPayload opens a run.
type RunStartedPayload struct {
	UserID string `json:"user_id"`
	Model  string `json:"model,omitempty"`
}

func (RunStartedPayload) EventType() EventType { return EventTypeRunStarted }

// RunWaitingInputPayload marks the run idle until the user replies.
type RunWaitingInputPayload struct {
	Reason string `json:"reason,omitempty"`
}

func (RunWaitingInputPayload) EventType() EventType { return EventTypeRunWaitingInput }

// RunCompletedPayload closes a run successfully.
type RunCompletedPayload struct {
	TotalTokens int    `json:"total_tokens"`
	Reason      string `json:"reason,omitempty"`
}

func (RunCompletedPayload) EventType() EventType { return EventTypeRunCompleted }

// RunFailedPayload closes a run with an error.
type RunFailedPayload struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (RunFailedPayload) EventType() EventType { return EventTypeRunFailed }

// UserMessageCreatedPayload records user input.
type UserMessageCreatedPayload struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id,omitempty"`
	Content   string `json:"content"`
}

func (UserMessageCreatedPayload) EventType() EventType { return EventTypeUserMessageCreated }

// AssistantMessageCreatedPayload records a final assistant reply.
type AssistantMessageCreatedPayload struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

func (AssistantMessageCreatedPayload) EventType() EventType {
	return EventTypeAssistantMessageCreated
}

// LlmStartedPayload opens a model-call step. The step id is carried on the event.
type LlmStartedPayload struct {
	Model     string   `json:"model"`
	ToolNames []string `json:"tool_names,omitempty"`
}

func (LlmStartedPayload) EventType() EventType { return EventTypeLlmStarted }

// LlmDeltaPayload carries one streamed text fragment. Attempt is the work item's retry count;
// Index restarts at zero for every attempt.
type LlmDeltaPayload struct {
	Attempt int    `json:"attempt,omitempty"`
	Index   int    `json:"index"`
	Content string `json:"content"`
}

func (LlmDeltaPayload) EventType() EventType { return EventTypeLlmDelta }

// RequestedToolCall is a tool invocation proposed by the model.
type RequestedToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// LlmCompletedPayload closes a model-call step.
type LlmCompletedPayload struct {
	Content      string              `json:"content,omitempty"`
	InputTokens  int                 `json:"input_tokens"`
	OutputTokens int                 `json:"output_tokens"`
	FinishReason string              `json:"finish_reason,omitempty"`
	ToolCalls    []RequestedToolCall `json:"tool_calls,omitempty"`
}

func (LlmCompletedPayload) EventType() EventType { return EventTypeLlmCompleted }

// ToolCallRequestedPayload registers a tool call and its gate outcome.
type ToolCallRequestedPayload struct {
	ToolCallID       string          `json:"tool_call_id"`
	ToolName         string          `json:"tool_name"`
	Args             json.RawMessage `json:"args"`
	RiskTier         RiskTier        `json:"risk_tier"`
	RequiresApproval bool            `json:"requires_approval"`
	IdempotencyKey   string          `json:"idempotency_key"`
	ModelStepID      string          `json:"model_step_id,omitempty"`
}

func (ToolCallRequestedPayload) EventType() EventType { return EventTypeToolCallRequested }

// ToolCallStartedPayload marks the executor picking up a call.
type ToolCallStartedPayload struct {
	ToolCallID string          `json:"tool_call_id"`
	Args       json.RawMessage `json:"args,omitempty"`
	Attempt    int             `json:"attempt"`
}

func (ToolCallStartedPayload) EventType() EventType { return EventTypeToolCallStarted }

// ToolCallCompletedPayload records a tool call outcome.
type ToolCallCompletedPayload struct {
	ToolCallID string          `json:"tool_call_id"`
	Success    bool            `json:"success"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms"`
	Rejected   bool            `json:"rejected,omitempty"`
	Blocked    bool            `json:"blocked,omitempty"`
}

func (ToolCallCompletedPayload) EventType() EventType { return EventTypeToolCallCompleted }

// ApprovalRequestedPayload opens an approval for a gated tool call.
type ApprovalRequestedPayload struct {
	ApprovalID     string          `json:"approval_id"`
	ToolCallID     string          `json:"tool_call_id"`
	ToolName       string          `json:"tool_name"`
	Args           json.RawMessage `json:"args"`
	RiskTier       RiskTier        `json:"risk_tier"`
	Summary        string          `json:"summary,omitempty"`
	AssignedTo     string          `json:"assigned_to,omitempty"`
	SupersedesID   string          `json:"supersedes_id,omitempty"`
	ExpiresAfterMs int64           `json:"expires_after_ms,omitempty"`
}

func (ApprovalRequestedPayload) EventType() EventType { return EventTypeApprovalRequested }

// ApprovalResolvedPayload records a reviewer decision.
type ApprovalResolvedPayload struct {
	ApprovalID string           `json:"approval_id"`
	ToolCallID string           `json:"tool_call_id"`
	Decision   ApprovalDecision `json:"decision"`
	EditedArgs json.RawMessage  `json:"edited_args,omitempty"`
	ResolvedBy string           `json:"resolved_by"`
	Comment    string           `json:"comment,omitempty"`
}

func (ApprovalResolvedPayload) EventType() EventType { return EventTypeApprovalResolved }

// ArtifactCreatedPayload records an output produced by a tool.
type ArtifactCreatedPayload struct {
	ArtifactID  string          `json:"artifact_id"`
	ToolCallID  string          `json:"tool_call_id,omitempty"`
	Name        string          `json:"name"`
	ContentType string          `json:"content_type"`
	Content     json.RawMessage `json:"content,omitempty"`
	URI         string          `json:"uri,omitempty"`
}

func (ArtifactCreatedPayload) EventType() EventType { return EventTypeArtifactCreated }

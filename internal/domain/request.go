package domain

import (
	"encoding/json"
	"time"
)

// StartRunRequest opens a run with a first user message.
type StartRunRequest struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	Content  string `json:"content"`
	Model    string `json:"model,omitempty"`
}

// StartRunResponse identifies the new run.
type StartRunResponse struct {
	RunID         string `json:"run_id"`
	CorrelationID string `json:"correlation_id"`
	Sequence      int64  `json:"sequence"`
}

// SendMessageRequest submits user input to a waiting run.
type SendMessageRequest struct {
	UserID  string `json:"user_id,omitempty"`
	Content string `json:"content"`
}

// SendMessageResponse acknowledges accepted input.
type SendMessageResponse struct {
	RunID     string `json:"run_id"`
	MessageID string `json:"message_id"`
	Sequence  int64  `json:"sequence"`
}

// ApprovalDecisionRequest represents a decision on an approval.
type ApprovalDecisionRequest struct {
	Decision   string          `json:"decision"`
	EditedArgs json.RawMessage `json:"edited_args,omitempty"`
	DecidedBy  string          `json:"decided_by,omitempty"`
	Comment    string          `json:"comment,omitempty"`
	AssignTo   string          `json:"assign_to,omitempty"`
}

// ApprovalDecisionResponse acknowledges a queued decision.
type ApprovalDecisionResponse struct {
	ApprovalID string           `json:"approval_id"`
	ToolCallID string           `json:"tool_call_id"`
	Decision   ApprovalDecision `json:"decision"`
	Queued     bool             `json:"queued"`
}

// CloseRunRequest completes or cancels a run.
type CloseRunRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ToolTestResponse is the synchronous tool-test diagnostic result.
type ToolTestResponse struct {
	ToolName   string          `json:"tool_name"`
	Success    bool            `json:"success"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms"`
	Artifacts  []ToolArtifact  `json:"artifacts,omitempty"`
}

// ListToolsResponse represents the response for listing tools.
type ListToolsResponse struct {
	Tools []ToolDescriptor `json:"tools"`
}

// RunFilter selects runs for listing.
type RunFilter struct {
	TenantID string
	UserID   string
	Skip     int
	Take     int
}

// RunSummary aggregates per-run metadata from the event log.
type RunSummary struct {
	RunID            string    `json:"run_id"`
	TenantID         string    `json:"tenant_id"`
	UserID           string    `json:"user_id"`
	Status           RunStatus `json:"status"`
	FirstUserMessage string    `json:"first_user_message,omitempty"`
	MessageCount     int       `json:"message_count"`
	StepCount        int       `json:"step_count"`
	EventCount       int       `json:"event_count"`
	LastSequence     int64     `json:"last_sequence"`
	StartedAt        time.Time `json:"started_at"`
	LastEventAt      time.Time `json:"last_event_at"`
}

// ListRunsResponse wraps a page of run summaries.
type ListRunsResponse struct {
	Runs []RunSummary `json:"runs"`
	Skip int          `json:"skip"`
	Take int          `json:"take"`
}

// EventsResponse wraps a page of stored events.
type EventsResponse struct {
	RunID        string        `json:"run_id"`
	Events       []StoredEvent `json:"events"`
	NextSequence int64         `json:"next_sequence"`
}

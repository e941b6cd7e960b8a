package domain

import (
	"encoding/json"
	"time"
)

// RunState is the projected view of a run. It is rebuilt from events and never persisted.
type RunState struct {
	RunID              string          `json:"run_id"`
	TenantID           string          `json:"tenant_id"`
	UserID             string          `json:"user_id"`
	Model              string          `json:"model,omitempty"`
	Status             RunStatus       `json:"status"`
	Messages           []MessageState  `json:"messages"`
	Steps              []StepState     `json:"steps"`
	ToolCalls          []ToolCallState `json:"tool_calls"`
	Approvals          []ApprovalState `json:"approvals"`
	Artifacts          []ArtifactState `json:"artifacts"`
	StreamingContent   string          `json:"streaming_content,omitempty"`
	StreamingAttempt   int             `json:"streaming_attempt,omitempty"`
	CurrentStepID      string          `json:"current_step_id,omitempty"`
	InputTokens        int             `json:"input_tokens"`
	OutputTokens       int             `json:"output_tokens"`
	TotalTokens        int             `json:"total_tokens"`
	LastError          string          `json:"last_error,omitempty"`
	LastEventSequence  int64           `json:"last_event_sequence"`
	HasPendingApproval bool            `json:"has_pending_approval"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// MessageState is one conversation message.
type MessageState struct {
	ID         string              `json:"id"`
	Role       MessageRole         `json:"role"`
	Content    string              `json:"content"`
	ToolCallID string              `json:"tool_call_id,omitempty"`
	ToolName   string              `json:"tool_name,omitempty"`
	ToolCalls  []RequestedToolCall `json:"tool_calls,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
}

// StepState is one unit of agent work.
type StepState struct {
	ID          string     `json:"id"`
	Number      int        `json:"number"`
	Type        StepType   `json:"type"`
	Status      StepStatus `json:"status"`
	ToolCallID  string     `json:"tool_call_id,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ToolCallState tracks one tool invocation.
type ToolCallState struct {
	ID             string          `json:"id"`
	StepID         string          `json:"step_id"`
	ToolName       string          `json:"tool_name"`
	Args           json.RawMessage `json:"args"`
	RiskTier       RiskTier        `json:"risk_tier"`
	Status         ToolCallStatus  `json:"status"`
	IdempotencyKey string          `json:"idempotency_key"`
	ApprovalID     string          `json:"approval_id,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	DurationMs     int64           `json:"duration_ms"`
	RequestedAt    time.Time       `json:"requested_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// ApprovalState tracks a human decision on a gated tool call.
type ApprovalState struct {
	ID          string           `json:"id"`
	StepID      string           `json:"step_id"`
	ToolCallID  string           `json:"tool_call_id"`
	ToolName    string           `json:"tool_name"`
	Args        json.RawMessage  `json:"args"`
	RiskTier    RiskTier         `json:"risk_tier"`
	Summary     string           `json:"summary,omitempty"`
	AssignedTo  string           `json:"assigned_to,omitempty"`
	Status      ApprovalStatus   `json:"status"`
	Decision    ApprovalDecision `json:"decision,omitempty"`
	EditedArgs  json.RawMessage  `json:"edited_args,omitempty"`
	ResolvedBy  string           `json:"resolved_by,omitempty"`
	Comment     string           `json:"comment,omitempty"`
	RequestedAt time.Time        `json:"requested_at"`
	ResolvedAt  *time.Time       `json:"resolved_at,omitempty"`
}

// ArtifactState is an output produced during the run.
type ArtifactState struct {
	ID          string          `json:"id"`
	StepID      string          `json:"step_id,omitempty"`
	ToolCallID  string          `json:"tool_call_id,omitempty"`
	Name        string          `json:"name"`
	ContentType string          `json:"content_type"`
	Content     json.RawMessage `json:"content,omitempty"`
	URI         string          `json:"uri,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ToolCall returns the tool call with the given id.
func (s *RunState) ToolCall(id string) (ToolCallState, bool) {
	for _, tc := range s.ToolCalls {
		if tc.ID == id {
			return tc, true
		}
	}
	return ToolCallState{}, false
}

// Approval returns the approval with the given id.
func (s *RunState) Approval(id string) (ApprovalState, bool) {
	for _, a := range s.Approvals {
		if a.ID == id {
			return a, true
		}
	}
	return ApprovalState{}, false
}

// ApprovedArgs returns the arguments of the last Approve resolution for a tool call.
func (s *RunState) ApprovedArgs(toolCallID string) (json.RawMessage, bool) {
	var (
		args  json.RawMessage
		found bool
	)
	for _, a := range s.Approvals {
		if a.ToolCallID != toolCallID || a.Status != ApprovalStatusResolved || a.Decision != ApprovalDecisionApprove {
			continue
		}
		found = true
		args = a.Args
		if len(a.EditedArgs) > 0 {
			args = a.EditedArgs
		}
	}
	return args, found
}

// PendingApprovals lists approvals still waiting for a decision.
func (s *RunState) PendingApprovals() []ApprovalState {
	var out []ApprovalState
	for _, a := range s.Approvals {
		if a.Status == ApprovalStatusPending {
			out = append(out, a)
		}
	}
	return out
}

// OpenToolCalls counts tool calls that have not produced an outcome.
func (s *RunState) OpenToolCalls() int {
	n := 0
	for _, tc := range s.ToolCalls {
		if !tc.Status.IsFinished() {
			n++
		}
	}
	return n
}

// ModelSteps counts model-call steps.
func (s *RunState) ModelSteps() int {
	n := 0
	for _, st := range s.Steps {
		if st.Type == StepTypeModelCall {
			n++
		}
	}
	return n
}

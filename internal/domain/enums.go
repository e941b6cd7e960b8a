// Package domain defines the core domain models for the run orchestrator.
package domain

import (
	"fmt"
	"strings"
)

// RunStatus represents the status of a run.
type RunStatus string

const (
	RunStatusPending         RunStatus = "PENDING"
	RunStatusRunning         RunStatus = "RUNNING"
	RunStatusWaitingInput    RunStatus = "WAITING_INPUT"
	RunStatusWaitingApproval RunStatus = "WAITING_APPROVAL"
	RunStatusCompleted       RunStatus = "COMPLETED"
	RunStatusFailed          RunStatus = "FAILED"
)

// IsTerminal reports whether no further work can happen on the run.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// EventType is the tag used to persist and dispatch events.
type EventType string

const (
	EventTypeRunStarted              EventType = "run.started"
	EventTypeRunWaitingInput         EventType = "run.waiting_input"
	EventTypeRunCompleted            EventType = "run.completed"
	EventTypeRunFailed               EventType = "run.failed"
	EventTypeUserMessageCreated      EventType = "message.user.created"
	EventTypeAssistantMessageCreated EventType = "message.assistant.created"
	EventTypeLlmStarted              EventType = "llm.started"
	EventTypeLlmDelta                EventType = "llm.delta"
	EventTypeLlmCompleted            EventType = "llm.completed"
	EventTypeToolCallRequested       EventType = "tool.call.requested"
	EventTypeToolCallStarted         EventType = "tool.call.started"
	EventTypeToolCallCompleted       EventType = "tool.call.completed"
	EventTypeApprovalRequested       EventType = "approval.requested"
	EventTypeApprovalResolved        EventType = "approval.resolved"
	EventTypeArtifactCreated         EventType = "artifact.created"
)

// StepType represents the kind of agent work a step performs.
type StepType string

const (
	StepTypeModelCall StepType = "MODEL_CALL"
	StepTypeToolCall  StepType = "TOOL_CALL"
)

// StepStatus represents the status of a step.
type StepStatus string

const (
	StepStatusPending         StepStatus = "PENDING"
	StepStatusRunning         StepStatus = "RUNNING"
	StepStatusWaitingApproval StepStatus = "WAITING_APPROVAL"
	StepStatusCompleted       StepStatus = "COMPLETED"
	StepStatusFailed          StepStatus = "FAILED"
)

// ToolCallStatus represents the status of a tool call.
type ToolCallStatus string

const (
	ToolCallStatusPending         ToolCallStatus = "pending"
	ToolCallStatusPendingApproval ToolCallStatus = "pending_approval"
	ToolCallStatusApproved        ToolCallStatus = "approved"
	ToolCallStatusRejected        ToolCallStatus = "rejected"
	ToolCallStatusRunning         ToolCallStatus = "running"
	ToolCallStatusSuccess         ToolCallStatus = "success"
	ToolCallStatusFailed          ToolCallStatus = "failed"
)

// IsFinished reports whether the tool call has produced its outcome.
func (s ToolCallStatus) IsFinished() bool {
	switch s {
	case ToolCallStatusSuccess, ToolCallStatusFailed, ToolCallStatusRejected:
		return true
	}
	return false
}

// ApprovalStatus represents the status of an approval.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "PENDING"
	ApprovalStatusResolved ApprovalStatus = "RESOLVED"
)

// ApprovalDecision is the outcome a reviewer chose for an approval.
type ApprovalDecision string

const (
	ApprovalDecisionApprove  ApprovalDecision = "APPROVE"
	ApprovalDecisionReject   ApprovalDecision = "REJECT"
	ApprovalDecisionEscalate ApprovalDecision = "ESCALATE"
	ApprovalDecisionReassign ApprovalDecision = "REASSIGN"
)

// ParseApprovalDecision accepts the decision name in any case.
func ParseApprovalDecision(s string) (ApprovalDecision, error) {
	switch d := ApprovalDecision(strings.ToUpper(strings.TrimSpace(s))); d {
	case ApprovalDecisionApprove, ApprovalDecisionReject, ApprovalDecisionEscalate, ApprovalDecisionReassign:
		return d, nil
	case "APPROVED":
		return ApprovalDecisionApprove, nil
	case "REJECTED":
		return ApprovalDecisionReject, nil
	}
	return "", fmt.Errorf("unknown approval decision %q", s)
}

// RiskTier is a tool's static danger classification.
type RiskTier string

const (
	RiskTierLow      RiskTier = "low"
	RiskTierMedium   RiskTier = "medium"
	RiskTierHigh     RiskTier = "high"
	RiskTierCritical RiskTier = "critical"
)

func (r RiskTier) rank() int {
	switch r {
	case RiskTierLow:
		return 0
	case RiskTierMedium:
		return 1
	case RiskTierHigh:
		return 2
	case RiskTierCritical:
		return 3
	}
	// Unknown tiers rank as critical.
	return 3
}

// AtLeast reports whether r is as risky as other or riskier.
func (r RiskTier) AtLeast(other RiskTier) bool {
	return r.rank() >= other.rank()
}

// RequiresApproval reports whether calls at this tier must be approved before execution.
func (r RiskTier) RequiresApproval() bool {
	return r.AtLeast(RiskTierMedium)
}

// ParseRiskTier parses a tier name.
func ParseRiskTier(s string) (RiskTier, error) {
	switch t := RiskTier(strings.ToLower(strings.TrimSpace(s))); t {
	case RiskTierLow, RiskTierMedium, RiskTierHigh, RiskTierCritical:
		return t, nil
	}
	return "", fmt.Errorf("unknown risk tier %q", s)
}

// MessageRole is the author of a conversation message.
type MessageRole string

const (
	MessageRoleSystem    MessageRole = "system"
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleTool      MessageRole = "tool"
)

// WorkType identifies the orchestration step a work item requests.
type WorkType string

const (
	WorkTypeOrchestrateRun  WorkType = "orchestrate_run"
	WorkTypeContinueRun     WorkType = "continue_run"
	WorkTypeExecuteLlmCall  WorkType = "execute_llm_call"
	WorkTypeExecuteToolCall WorkType = "execute_tool_call"
	WorkTypeProcessApproval WorkType = "process_approval"
	WorkTypeTimeoutCheck    WorkType = "timeout_check"
	WorkTypeCleanup         WorkType = "cleanup"
)

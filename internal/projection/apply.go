// Package projection folds a run's events into its current RunState.
package projection

import (
	"slices"
	"time"

	"github.com/xiaot623/agentrun/internal/domain"
)

type handler func(s *domain.RunState, evt domain.StoredEvent)

var handlers map[domain.EventType]handler

func init() {
	handlers = map[domain.EventType]handler{
		domain.EventTypeRunStarted:              onRunStarted,
		domain.EventTypeRunWaitingInput:         onRunWaitingInput,
		domain.EventTypeRunCompleted:            onRunCompleted,
		domain.EventTypeRunFailed:               onRunFailed,
		domain.EventTypeUserMessageCreated:      onUserMessage,
		domain.EventTypeAssistantMessageCreated: onAssistantMessage,
		domain.EventTypeLlmStarted:              onLlmStarted,
		domain.EventTypeLlmDelta:                onLlmDelta,
		domain.EventTypeLlmCompleted:            onLlmCompleted,
		domain.EventTypeToolCallRequested:       onToolCallRequested,
		domain.EventTypeToolCallStarted:         onToolCallStarted,
		domain.EventTypeToolCallCompleted:       onToolCallCompleted,
		domain.EventTypeApprovalRequested:       onApprovalRequested,
		domain.EventTypeApprovalResolved:        onApprovalResolved,
		domain.EventTypeArtifactCreated:         onArtifactCreated,
	}
}

// Apply returns the state after folding in one event. The input state is never modified:
// slices are cloned before any element is changed and clipped before any append.
// Unknown event kinds only advance LastEventSequence.
func Apply(state domain.RunState, evt domain.StoredEvent) domain.RunState {
	next := state
	if next.RunID == "" {
		next.RunID = evt.RunID
	}
	if h, ok := handlers[evt.Type]; ok {
		h(&next, evt)
		next.UpdatedAt = evt.Timestamp
	}
	if evt.Sequence > next.LastEventSequence {
		next.LastEventSequence = evt.Sequence
	}
	return next
}

// Fold applies events in order.
func Fold(state domain.RunState, events []domain.StoredEvent) domain.RunState {
	for _, evt := range events {
		state = Apply(state, evt)
	}
	return state
}

func onRunStarted(s *domain.RunState, evt domain.StoredEvent) {
	p, _ := evt.Payload.(domain.RunStartedPayload)
	s.Status = domain.RunStatusRunning
	s.TenantID = evt.TenantID
	s.UserID = p.UserID
	s.Model = p.Model
	s.CreatedAt = evt.Timestamp
}

func onRunWaitingInput(s *domain.RunState, _ domain.StoredEvent) {
	s.Status = domain.RunStatusWaitingInput
	s.CurrentStepID = ""
}

func onRunCompleted(s *domain.RunState, evt domain.StoredEvent) {
	p, _ := evt.Payload.(domain.RunCompletedPayload)
	s.Status = domain.RunStatusCompleted
	if p.TotalTokens > 0 {
		s.TotalTokens = p.TotalTokens
	}
	s.CurrentStepID = ""
}

func onRunFailed(s *domain.RunState, evt domain.StoredEvent) {
	p, _ := evt.Payload.(domain.RunFailedPayload)
	s.Status = domain.RunStatusFailed
	s.LastError = p.Error
	s.CurrentStepID = ""
}

func onUserMessage(s *domain.RunState, evt domain.StoredEvent) {
	p, ok := evt.Payload.(domain.UserMessageCreatedPayload)
	if !ok {
		return
	}
	s.Messages = append(slices.Clip(s.Messages), domain.MessageState{
		ID:        p.MessageID,
		Role:      domain.MessageRoleUser,
		Content:   p.Content,
		CreatedAt: evt.Timestamp,
	})
	if s.Status == domain.RunStatusWaitingInput {
		s.Status = domain.RunStatusRunning
	}
}

func onAssistantMessage(s *domain.RunState, evt domain.StoredEvent) {
	p, ok := evt.Payload.(domain.AssistantMessageCreatedPayload)
	if !ok {
		return
	}
	s.Messages = append(slices.Clip(s.Messages), domain.MessageState{
		ID:        p.MessageID,
		Role:      domain.MessageRoleAssistant,
		Content:   p.Content,
		CreatedAt: evt.Timestamp,
	})
	s.StreamingContent = ""
}

func onLlmStarted(s *domain.RunState, evt domain.StoredEvent) {
	s.Steps = append(slices.Clip(s.Steps), domain.StepState{
		ID:        evt.StepID,
		Number:    len(s.Steps) + 1,
		Type:      domain.StepTypeModelCall,
		Status:    domain.StepStatusRunning,
		StartedAt: evt.Timestamp,
	})
	s.StreamingContent = ""
	s.StreamingAttempt = 0
	s.CurrentStepID = evt.StepID
}

func onLlmDelta(s *domain.RunState, evt domain.StoredEvent) {
	p, ok := evt.Payload.(domain.LlmDeltaPayload)
	if !ok {
		return
	}
	switch {
	case p.Attempt < s.StreamingAttempt:
		return
	case p.Attempt > s.StreamingAttempt, p.Index == 0:
		// a retried call streams from scratch
		s.StreamingContent = ""
		s.StreamingAttempt = p.Attempt
	}
	s.StreamingContent += p.Content
}

func onLlmCompleted(s *domain.RunState, evt domain.StoredEvent) {
	p, ok := evt.Payload.(domain.LlmCompletedPayload)
	if !ok {
		return
	}
	updateStep(s, evt.StepID, func(st *domain.StepState) {
		st.Status = domain.StepStatusCompleted
		st.CompletedAt = timePtr(evt.Timestamp)
	})
	s.InputTokens += p.InputTokens
	s.OutputTokens += p.OutputTokens
	s.TotalTokens += p.InputTokens + p.OutputTokens
	if len(p.ToolCalls) > 0 {
		s.Messages = append(slices.Clip(s.Messages), domain.MessageState{
			ID:        evt.ID,
			Role:      domain.MessageRoleAssistant,
			Content:   p.Content,
			ToolCalls: p.ToolCalls,
			CreatedAt: evt.Timestamp,
		})
		s.StreamingContent = ""
	}
}

func onToolCallRequested(s *domain.RunState, evt domain.StoredEvent) {
	p, ok := evt.Payload.(domain.ToolCallRequestedPayload)
	if !ok {
		return
	}
	stepID := evt.StepID
	if stepID == "" {
		stepID = p.ToolCallID
	}
	toolStatus, stepStatus := domain.ToolCallStatusPending, domain.StepStatusPending
	if p.RequiresApproval {
		toolStatus, stepStatus = domain.ToolCallStatusPendingApproval, domain.StepStatusWaitingApproval
		s.HasPendingApproval = true
	}
	s.ToolCalls = append(slices.Clip(s.ToolCalls), domain.ToolCallState{
		ID:             p.ToolCallID,
		StepID:         stepID,
		ToolName:       p.ToolName,
		Args:           p.Args,
		RiskTier:       p.RiskTier,
		Status:         toolStatus,
		IdempotencyKey: p.IdempotencyKey,
		RequestedAt:    evt.Timestamp,
	})
	s.Steps = append(slices.Clip(s.Steps), domain.StepState{
		ID:         stepID,
		Number:     len(s.Steps) + 1,
		Type:       domain.StepTypeToolCall,
		Status:     stepStatus,
		ToolCallID: p.ToolCallID,
		StartedAt:  evt.Timestamp,
	})
}

func onToolCallStarted(s *domain.RunState, evt domain.StoredEvent) {
	p, ok := evt.Payload.(domain.ToolCallStartedPayload)
	if !ok {
		return
	}
	var stepID string
	updateToolCall(s, p.ToolCallID, func(tc *domain.ToolCallState) {
		tc.Status = domain.ToolCallStatusRunning
		if len(p.Args) > 0 {
			tc.Args = p.Args
		}
		stepID = tc.StepID
	})
	updateStep(s, stepID, func(st *domain.StepState) {
		st.Status = domain.StepStatusRunning
	})
	if stepID != "" {
		s.CurrentStepID = stepID
	}
}

func onToolCallCompleted(s *domain.RunState, evt domain.StoredEvent) {
	p, ok := evt.Payload.(domain.ToolCallCompletedPayload)
	if !ok {
		return
	}
	var (
		stepID   string
		toolName string
	)
	status := domain.ToolCallStatusFailed
	switch {
	case p.Success:
		status = domain.ToolCallStatusSuccess
	case p.Rejected:
		status = domain.ToolCallStatusRejected
	}
	updateToolCall(s, p.ToolCallID, func(tc *domain.ToolCallState) {
		tc.Status = status
		tc.Result = p.Result
		tc.Error = p.Error
		tc.DurationMs = p.DurationMs
		tc.CompletedAt = timePtr(evt.Timestamp)
		stepID = tc.StepID
		toolName = tc.ToolName
	})
	updateStep(s, stepID, func(st *domain.StepState) {
		st.Status = domain.StepStatusFailed
		if p.Success {
			st.Status = domain.StepStatusCompleted
		}
		st.CompletedAt = timePtr(evt.Timestamp)
	})

	content := string(p.Result)
	if !p.Success {
		content = "error: " + p.Error
	}
	s.Messages = append(slices.Clip(s.Messages), domain.MessageState{
		ID:         evt.ID,
		Role:       domain.MessageRoleTool,
		Content:    content,
		ToolCallID: p.ToolCallID,
		ToolName:   toolName,
		CreatedAt:  evt.Timestamp,
	})
}

func onApprovalRequested(s *domain.RunState, evt domain.StoredEvent) {
	p, ok := evt.Payload.(domain.ApprovalRequestedPayload)
	if !ok {
		return
	}
	var stepID string
	updateToolCall(s, p.ToolCallID, func(tc *domain.ToolCallState) {
		tc.ApprovalID = p.ApprovalID
		tc.Status = domain.ToolCallStatusPendingApproval
		stepID = tc.StepID
	})
	updateStep(s, stepID, func(st *domain.StepState) {
		st.Status = domain.StepStatusWaitingApproval
	})
	if stepID == "" {
		stepID = evt.StepID
	}
	s.Approvals = append(slices.Clip(s.Approvals), domain.ApprovalState{
		ID:          p.ApprovalID,
		StepID:      stepID,
		ToolCallID:  p.ToolCallID,
		ToolName:    p.ToolName,
		Args:        p.Args,
		RiskTier:    p.RiskTier,
		Summary:     p.Summary,
		AssignedTo:  p.AssignedTo,
		Status:      domain.ApprovalStatusPending,
		RequestedAt: evt.Timestamp,
	})
	s.Status = domain.RunStatusWaitingApproval
	s.HasPendingApproval = true
}

func onApprovalResolved(s *domain.RunState, evt domain.StoredEvent) {
	p, ok := evt.Payload.(domain.ApprovalResolvedPayload)
	if !ok {
		return
	}
	idx := slices.IndexFunc(s.Approvals, func(a domain.ApprovalState) bool { return a.ID == p.ApprovalID })
	if idx < 0 || s.Approvals[idx].Status != domain.ApprovalStatusPending {
		return
	}
	s.Approvals = slices.Clone(s.Approvals)
	a := &s.Approvals[idx]
	a.Status = domain.ApprovalStatusResolved
	a.Decision = p.Decision
	a.EditedArgs = p.EditedArgs
	a.ResolvedBy = p.ResolvedBy
	a.Comment = p.Comment
	a.ResolvedAt = timePtr(evt.Timestamp)

	var stepID string
	switch p.Decision {
	case domain.ApprovalDecisionApprove:
		updateToolCall(s, a.ToolCallID, func(tc *domain.ToolCallState) {
			tc.Status = domain.ToolCallStatusApproved
			stepID = tc.StepID
		})
		updateStep(s, stepID, func(st *domain.StepState) { st.Status = domain.StepStatusPending })
	case domain.ApprovalDecisionReject:
		updateToolCall(s, a.ToolCallID, func(tc *domain.ToolCallState) {
			tc.Status = domain.ToolCallStatusRejected
		})
	}

	s.HasPendingApproval = slices.ContainsFunc(s.Approvals, func(a domain.ApprovalState) bool {
		return a.Status == domain.ApprovalStatusPending
	})
	if !s.HasPendingApproval && s.Status == domain.RunStatusWaitingApproval {
		s.Status = domain.RunStatusRunning
	}
}

func onArtifactCreated(s *domain.RunState, evt domain.StoredEvent) {
	p, ok := evt.Payload.(domain.ArtifactCreatedPayload)
	if !ok {
		return
	}
	s.Artifacts = append(slices.Clip(s.Artifacts), domain.ArtifactState{
		ID:          p.ArtifactID,
		StepID:      evt.StepID,
		ToolCallID:  p.ToolCallID,
		Name:        p.Name,
		ContentType: p.ContentType,
		Content:     p.Content,
		URI:         p.URI,
		CreatedAt:   evt.Timestamp,
	})
}

func updateStep(s *domain.RunState, id string, fn func(*domain.StepState)) {
	if id == "" {
		return
	}
	idx := slices.IndexFunc(s.Steps, func(st domain.StepState) bool { return st.ID == id })
	if idx < 0 {
		return
	}
	s.Steps = slices.Clone(s.Steps)
	fn(&s.Steps[idx])
}

func updateToolCall(s *domain.RunState, id string, fn func(*domain.ToolCallState)) {
	idx := slices.IndexFunc(s.ToolCalls, func(tc domain.ToolCallState) bool { return tc.ID == id })
	if idx < 0 {
		return
	}
	s.ToolCalls = slices.Clone(s.ToolCalls)
	fn(&s.ToolCalls[idx])
}

func timePtr(t time.Time) *time.Time {
	return &t
}

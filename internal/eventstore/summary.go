package eventstore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xiaot623/agentrun/internal/domain"
)

// StatusForEvent classifies the run status implied by an event, if any.
// It is the same best-effort classification the SQL listing uses.
func StatusForEvent(t domain.EventType) (domain.RunStatus, bool) {
	switch t {
	case domain.EventTypeRunStarted, domain.EventTypeApprovalResolved, domain.EventTypeUserMessageCreated:
		return domain.RunStatusRunning, true
	case domain.EventTypeRunWaitingInput:
		return domain.RunStatusWaitingInput, true
	case domain.EventTypeApprovalRequested:
		return domain.RunStatusWaitingApproval, true
	case domain.EventTypeRunCompleted:
		return domain.RunStatusCompleted, true
	case domain.EventTypeRunFailed:
		return domain.RunStatusFailed, true
	}
	return "", false
}

// Summarize folds one run's events into a listing summary.
func Summarize(events []domain.StoredEvent) domain.RunSummary {
	var s domain.RunSummary
	s.Status = domain.RunStatusPending
	for i, evt := range events {
		if i == 0 {
			s.RunID = evt.RunID
			s.TenantID = evt.TenantID
			s.StartedAt = evt.Timestamp
		}
		s.EventCount++
		s.LastSequence = evt.Sequence
		s.LastEventAt = evt.Timestamp
		if status, ok := StatusForEvent(evt.Type); ok {
			s.Status = status
		}
		switch p := evt.Payload.(type) {
		case domain.RunStartedPayload:
			s.UserID = p.UserID
		case domain.UserMessageCreatedPayload:
			s.MessageCount++
			if s.FirstUserMessage == "" {
				s.FirstUserMessage = p.Content
			}
		case domain.AssistantMessageCreatedPayload:
			s.MessageCount++
		case domain.LlmStartedPayload, domain.ToolCallRequestedPayload:
			s.StepCount++
		}
	}
	return s
}

// PublishCommitted hands committed events to the publisher and swallows any failure.
// It reports whether publication succeeded.
func PublishCommitted(ctx context.Context, p Publisher, logger *slog.Logger, events []domain.StoredEvent) (ok bool) {
	if p == nil || len(events) == 0 {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("event publisher panicked", "run_id", events[0].RunID, "panic", fmt.Sprint(r))
			ok = false
		}
	}()
	if err := p.Publish(context.WithoutCancel(ctx), events); err != nil {
		logger.Warn("failed to publish events", "run_id", events[0].RunID, "count", len(events), "error", err)
		return false
	}
	return true
}

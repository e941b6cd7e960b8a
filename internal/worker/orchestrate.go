package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/xiaot623/agentrun/internal/domain"
)

// handleContinue decides whether a run needs another model call.
func (w *Worker) handleContinue(ctx context.Context, item domain.WorkItem) Result {
	p, _, err := w.commit(ctx, item.RunID, func(state domain.RunState) (plan, error) {
		var p plan
		switch {
		case state.Status.IsTerminal(), state.HasPendingApproval, state.OpenToolCalls() > 0:
			return p, nil
		case !awaitsModel(state):
			return p, nil
		case state.ModelSteps() >= w.cfg.MaxSteps:
			p.add(event(item, "", domain.RunFailedPayload{
				Error: fmt.Sprintf("step budget of %d model calls exceeded", w.cfg.MaxSteps),
				Code:  "max_steps",
			}))
			return p, nil
		}
		model := state.Model
		if model == "" {
			model = w.cfg.DefaultModel
		}
		p.enqueue(followUp(item, domain.WorkTypeExecuteLlmCall, domain.ExecuteLlmCallPayload{
			StepID:    uuid.NewString(),
			Model:     model,
			Messages:  conversation(state),
			ToolNames: w.registry.Names(),
		}))
		return p, nil
	})
	if errors.Is(err, domain.ErrRunNotFound) {
		return permanent("run %s not found", item.RunID)
	}
	if err != nil {
		return failed("continue run: %v", err)
	}
	return ok(p.followUps...)
}

// awaitsModel reports whether the conversation ends with input the model has not answered
// and no model step is in flight.
func awaitsModel(state domain.RunState) bool {
	for _, st := range state.Steps {
		if st.Type == domain.StepTypeModelCall && st.Status == domain.StepStatusRunning {
			return false
		}
	}
	if len(state.Messages) == 0 {
		return false
	}
	switch state.Messages[len(state.Messages)-1].Role {
	case domain.MessageRoleUser, domain.MessageRoleTool:
		return true
	}
	return false
}

// conversation rebuilds the model-facing transcript from state.
func conversation(state domain.RunState) []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(state.Messages))
	for _, m := range state.Messages {
		out = append(out, domain.ChatMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			ToolName:   m.ToolName,
			ToolCalls:  m.ToolCalls,
		})
	}
	return out
}

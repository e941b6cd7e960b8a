package worker

import (
	"context"
	"errors"

	"github.com/xiaot623/agentrun/internal/domain"
)

// handleCleanup closes a run, as completed or as cancelled.
func (w *Worker) handleCleanup(ctx context.Context, item domain.WorkItem) Result {
	var payload domain.CleanupPayload
	if err := item.Decode(&payload); err != nil {
		return permanent("%v", err)
	}

	_, _, err := w.commit(ctx, item.RunID, func(state domain.RunState) (plan, error) {
		var p plan
		if state.Status.IsTerminal() {
			return p, nil
		}
		if payload.Cancel {
			for _, a := range state.PendingApprovals() {
				rejectApproval(&p, item, state, a, domain.ApprovalResolvedPayload{
					ApprovalID: a.ID,
					ToolCallID: a.ToolCallID,
					ResolvedBy: "system:cancel",
					Comment:    "run cancelled",
				})
			}
			// The run is closing; nothing continues it.
			p.followUps = nil
			reason := "cancelled"
			if payload.Reason != "" {
				reason += ": " + payload.Reason
			}
			p.add(event(item, "", domain.RunFailedPayload{Error: reason, Code: "cancelled"}))
			return p, nil
		}
		p.add(event(item, "", domain.RunCompletedPayload{TotalTokens: state.TotalTokens, Reason: payload.Reason}))
		return p, nil
	})
	if errors.Is(err, domain.ErrRunNotFound) {
		return permanent("run %s not found", item.RunID)
	}
	if err != nil {
		return failed("cleanup: %v", err)
	}
	return ok()
}

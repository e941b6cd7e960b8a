package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/jcs"
)

// TimeoutResolver is recorded as the resolver of approvals that expired.
const TimeoutResolver = "system:timeout"

func (w *Worker) handleApproval(ctx context.Context, item domain.WorkItem) Result {
	var payload domain.ProcessApprovalPayload
	if err := item.Decode(&payload); err != nil {
		return permanent("%v", err)
	}
	decision, err := domain.ParseApprovalDecision(string(payload.Decision))
	if err != nil {
		return permanent("%v", err)
	}

	p, _, err := w.commit(ctx, item.RunID, func(state domain.RunState) (plan, error) {
		var p plan
		approval, found := state.Approval(payload.ApprovalID)
		if !found {
			return p, fmt.Errorf("%w: %s", domain.ErrApprovalNotFound, payload.ApprovalID)
		}
		if approval.Status != domain.ApprovalStatusPending || state.Status.IsTerminal() {
			return p, nil
		}
		resolved := domain.ApprovalResolvedPayload{
			ApprovalID: approval.ID,
			ToolCallID: approval.ToolCallID,
			Decision:   decision,
			ResolvedBy: payload.ResolvedBy,
			Comment:    payload.Comment,
		}

		switch decision {
		case domain.ApprovalDecisionApprove:
			args := approval.Args
			if len(payload.EditedArgs) > 0 {
				args = payload.EditedArgs
				resolved.EditedArgs = payload.EditedArgs
			}
			p.add(event(item, approval.StepID, resolved))
			key, err := jcs.IdempotencyKey(item.RunID, approval.ToolCallID, args)
			if err != nil {
				return p, fmt.Errorf("%w: edited arguments: %v", domain.ErrInvalidArguments, err)
			}
			p.enqueue(followUp(item, domain.WorkTypeExecuteToolCall, domain.ExecuteToolCallPayload{
				StepID:         approval.StepID,
				ToolCallID:     approval.ToolCallID,
				ToolName:       approval.ToolName,
				Args:           args,
				IdempotencyKey: key,
			}))

		case domain.ApprovalDecisionReject:
			rejectApproval(&p, item, state, approval, resolved)

		case domain.ApprovalDecisionEscalate, domain.ApprovalDecisionReassign:
			p.add(event(item, approval.StepID, resolved))
			w.reRequest(&p, item, approval, payload.AssignTo)
		}
		return p, nil
	})
	switch {
	case errors.Is(err, domain.ErrApprovalNotFound), errors.Is(err, domain.ErrRunNotFound), errors.Is(err, domain.ErrInvalidArguments):
		return permanent("process approval: %v", err)
	case err != nil:
		return failed("process approval: %v", err)
	}
	if len(p.events) > 0 {
		w.metrics.ApprovalResolved(string(decision))
	}
	return ok(p.followUps...)
}

// rejectApproval resolves an approval as rejected and settles its tool call.
func rejectApproval(p *plan, item domain.WorkItem, state domain.RunState, approval domain.ApprovalState, resolved domain.ApprovalResolvedPayload) {
	resolved.Decision = domain.ApprovalDecisionReject
	p.add(event(item, approval.StepID, resolved))

	reason := "rejected"
	if resolved.ResolvedBy != "" {
		reason += " by " + resolved.ResolvedBy
	}
	if resolved.Comment != "" {
		reason += ": " + resolved.Comment
	}
	p.add(event(item, approval.StepID, domain.ToolCallCompletedPayload{
		ToolCallID: approval.ToolCallID,
		Error:      reason,
		Rejected:   true,
	}))
	p.enqueue(followUp(item, domain.WorkTypeContinueRun, domain.ContinueRunPayload{UserID: state.UserID}))
}

// reRequest opens a fresh approval for the same tool call, superseding the resolved one.
func (w *Worker) reRequest(p *plan, item domain.WorkItem, approval domain.ApprovalState, assignTo string) {
	if assignTo == "" {
		assignTo = approval.AssignedTo
	}
	next := "ap_" + uuid.NewString()
	p.add(event(item, approval.StepID, domain.ApprovalRequestedPayload{
		ApprovalID:     next,
		ToolCallID:     approval.ToolCallID,
		ToolName:       approval.ToolName,
		Args:           approval.Args,
		RiskTier:       approval.RiskTier,
		Summary:        approval.Summary,
		AssignedTo:     assignTo,
		SupersedesID:   approval.ID,
		ExpiresAfterMs: w.cfg.ApprovalTimeout.Milliseconds(),
	}))
	timeout := followUp(item, domain.WorkTypeTimeoutCheck, domain.TimeoutCheckPayload{ApprovalID: next})
	timeout.ScheduledDelay = w.cfg.ApprovalTimeout
	p.enqueue(timeout)
}

func (w *Worker) handleTimeoutCheck(ctx context.Context, item domain.WorkItem) Result {
	var payload domain.TimeoutCheckPayload
	if err := item.Decode(&payload); err != nil {
		return permanent("%v", err)
	}

	p, _, err := w.commit(ctx, item.RunID, func(state domain.RunState) (plan, error) {
		var p plan
		approval, found := state.Approval(payload.ApprovalID)
		if !found || approval.Status != domain.ApprovalStatusPending || state.Status.IsTerminal() {
			return p, nil
		}
		if remaining := w.cfg.ApprovalTimeout - w.now().Sub(approval.RequestedAt); remaining > 0 {
			again := followUp(item, domain.WorkTypeTimeoutCheck, payload)
			again.ScheduledDelay = remaining
			p.enqueue(again)
			return p, nil
		}
		rejectApproval(&p, item, state, approval, domain.ApprovalResolvedPayload{
			ApprovalID: approval.ID,
			ToolCallID: approval.ToolCallID,
			ResolvedBy: TimeoutResolver,
			Comment:    "approval timed out",
		})
		return p, nil
	})
	if errors.Is(err, domain.ErrRunNotFound) {
		return permanent("run %s not found", item.RunID)
	}
	if err != nil {
		return failed("timeout check: %v", err)
	}
	if len(p.events) > 0 {
		w.logger.Info("approval expired", slog.String("run_id", item.RunID), slog.String("approval_id", payload.ApprovalID))
		w.metrics.ApprovalResolved("timeout")
	}
	return ok(p.followUps...)
}

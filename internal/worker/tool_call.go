package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/xiaot623/agentrun/internal/domain"
)

func (w *Worker) handleToolCall(ctx context.Context, item domain.WorkItem) Result {
	var payload domain.ExecuteToolCallPayload
	if err := item.Decode(&payload); err != nil {
		return permanent("%v", err)
	}

	var (
		skip bool
		args json.RawMessage
		call domain.ToolCallState
	)
	p, state, err := w.commit(ctx, item.RunID, func(state domain.RunState) (plan, error) {
		var p plan
		skip = false
		tc, found := state.ToolCall(payload.ToolCallID)
		if state.Status.IsTerminal() || !found || tc.Status.IsFinished() {
			skip = true
			return p, nil
		}
		call = tc
		args = tc.Args
		if len(payload.Args) > 0 {
			args = payload.Args
		}

		def, known := w.registry.Definition(tc.ToolName)
		gated := tc.ApprovalID != "" || (known && def.RiskTier.RequiresApproval())
		if gated {
			approved, isApproved := state.ApprovedArgs(tc.ID)
			if !isApproved {
				skip = true
				p.add(event(item, tc.StepID, domain.ToolCallCompletedPayload{
					ToolCallID: tc.ID,
					Error:      "tool call requires an approved approval",
					Blocked:    true,
				}))
				p.enqueue(followUp(item, domain.WorkTypeContinueRun, domain.ContinueRunPayload{UserID: state.UserID}))
				return p, nil
			}
			args = approved
		}

		if tc.Status == domain.ToolCallStatusRunning {
			// Redelivered after a crash mid-execution; the idempotency key guards the retry.
			return p, nil
		}
		p.add(event(item, tc.StepID, domain.ToolCallStartedPayload{
			ToolCallID: tc.ID,
			Args:       args,
			Attempt:    item.RetryCount + 1,
		}))
		return p, nil
	})
	if errors.Is(err, domain.ErrRunNotFound) {
		return permanent("run %s not found", item.RunID)
	}
	if err != nil {
		return failed("start tool call: %v", err)
	}
	if skip {
		if len(p.events) == 0 {
			w.logger.Debug("tool call skipped", slog.String("run_id", item.RunID), slog.String("tool_call_id", payload.ToolCallID))
		}
		return ok(p.followUps...)
	}

	key := payload.IdempotencyKey
	if key == "" {
		key = call.IdempotencyKey
	}
	result := w.executor.Execute(ctx, call.ToolName, args, domain.ToolExecutionContext{
		RunID:          item.RunID,
		StepID:         call.StepID,
		ToolCallID:     call.ID,
		TenantID:       item.TenantID,
		UserID:         state.UserID,
		IdempotencyKey: key,
		CorrelationID:  item.CorrelationID,
	})

	p, _, err = w.commit(ctx, item.RunID, func(state domain.RunState) (plan, error) {
		var p plan
		tc, found := state.ToolCall(call.ID)
		if !found || tc.Status.IsFinished() {
			return p, nil
		}
		p.add(event(item, tc.StepID, domain.ToolCallCompletedPayload{
			ToolCallID: tc.ID,
			Success:    result.Success,
			Result:     result.Result,
			Error:      result.Error,
			DurationMs: result.Duration.Milliseconds(),
		}))
		for _, a := range result.Artifacts {
			p.add(event(item, tc.StepID, domain.ArtifactCreatedPayload{
				ArtifactID:  uuid.NewString(),
				ToolCallID:  tc.ID,
				Name:        a.Name,
				ContentType: a.ContentType,
				Content:     a.Content,
				URI:         a.URI,
			}))
		}
		if !state.Status.IsTerminal() {
			p.enqueue(followUp(item, domain.WorkTypeContinueRun, domain.ContinueRunPayload{UserID: state.UserID}))
		}
		return p, nil
	})
	if err != nil {
		return failed("record tool result: %v", err)
	}
	return ok(p.followUps...)
}

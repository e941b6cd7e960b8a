package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/xiaot623/agentrun/internal/adapter/llm"
	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/eventstore"
	"github.com/xiaot623/agentrun/internal/jcs"
	"github.com/xiaot623/agentrun/policy"
)

func (w *Worker) handleLlmCall(ctx context.Context, item domain.WorkItem) Result {
	var payload domain.ExecuteLlmCallPayload
	if err := item.Decode(&payload); err != nil {
		return permanent("%v", err)
	}
	if payload.StepID == "" {
		return permanent("execute_llm_call without step id")
	}

	var skip bool
	_, state, err := w.commit(ctx, item.RunID, func(state domain.RunState) (plan, error) {
		var p plan
		skip = false
		if idx := slices.IndexFunc(state.Steps, func(st domain.StepState) bool { return st.ID == payload.StepID }); idx >= 0 {
			// Redelivered: resume a step still running, drop one already finished.
			skip = state.Steps[idx].Status != domain.StepStatusRunning
			return p, nil
		}
		if state.Status.IsTerminal() || state.HasPendingApproval || state.OpenToolCalls() > 0 || !awaitsModel(state) {
			skip = true
			return p, nil
		}
		p.add(event(item, payload.StepID, domain.LlmStartedPayload{Model: payload.Model, ToolNames: payload.ToolNames}))
		return p, nil
	})
	if errors.Is(err, domain.ErrRunNotFound) {
		return permanent("run %s not found", item.RunID)
	}
	if err != nil {
		return failed("start model call: %v", err)
	}
	if skip {
		w.logger.Debug("model call skipped", slog.String("run_id", item.RunID), slog.String("step_id", payload.StepID))
		return ok()
	}

	messages := payload.Messages
	if len(messages) == 0 {
		messages = conversation(state)
	}
	req := llm.Request{Model: payload.Model, Messages: messages}
	for _, name := range payload.ToolNames {
		if def, found := w.registry.Definition(name); found {
			req.Tools = append(req.Tools, llm.ToolSpec{Name: def.Name, Description: def.Description, Parameters: def.Parameters})
		}
	}

	index := 0
	completion, err := w.model.Stream(ctx, req, func(content string) error {
		delta := event(item, payload.StepID, domain.LlmDeltaPayload{Attempt: item.RetryCount, Index: index, Content: content})
		index++
		_, err := w.store.Append(ctx, []domain.Event{delta}, eventstore.AnySequence)
		return err
	})
	if err != nil {
		return failed("model call failed: %v", err)
	}

	p, _, err := w.commit(ctx, item.RunID, func(state domain.RunState) (plan, error) {
		var p plan
		if state.Status.IsTerminal() {
			return p, nil
		}
		idx := slices.IndexFunc(state.Steps, func(st domain.StepState) bool { return st.ID == payload.StepID })
		if idx >= 0 && state.Steps[idx].Status != domain.StepStatusRunning {
			return p, nil
		}
		w.planCompletion(ctx, &p, item, state, payload.StepID, completion)
		return p, nil
	})
	if err != nil {
		return failed("complete model call: %v", err)
	}
	return ok(p.followUps...)
}

// planCompletion records a model result: either a final answer, or the tool calls it asked for,
// each passed through the risk gate.
func (w *Worker) planCompletion(ctx context.Context, p *plan, item domain.WorkItem, state domain.RunState, stepID string, c llm.Completion) {
	calls := make([]domain.RequestedToolCall, 0, len(c.ToolCalls))
	seen := make(map[string]bool, len(c.ToolCalls))
	for _, tc := range c.ToolCalls {
		id := tc.ID
		if _, exists := state.ToolCall(id); id == "" || exists || seen[id] {
			id = "tc_" + uuid.NewString()
		}
		seen[id] = true
		args := tc.Args
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		calls = append(calls, domain.RequestedToolCall{ID: id, Name: tc.Name, Args: args})
	}

	p.add(event(item, stepID, domain.LlmCompletedPayload{
		Content:      c.Content,
		InputTokens:  c.InputTokens,
		OutputTokens: c.OutputTokens,
		FinishReason: c.FinishReason,
		ToolCalls:    calls,
	}))

	if len(calls) == 0 {
		p.add(event(item, "", domain.AssistantMessageCreatedPayload{MessageID: uuid.NewString(), Content: c.Content}))
		p.add(event(item, "", domain.RunWaitingInputPayload{Reason: "awaiting user input"}))
		return
	}

	settled := false
	for _, call := range calls {
		if w.planToolCall(ctx, p, item, state, stepID, call) {
			settled = true
		}
	}
	if settled {
		p.enqueue(followUp(item, domain.WorkTypeContinueRun, domain.ContinueRunPayload{UserID: state.UserID}))
	}
}

// planToolCall gates one requested tool call. It reports whether the call was settled immediately
// (blocked, unknown tool or invalid arguments).
func (w *Worker) planToolCall(ctx context.Context, p *plan, item domain.WorkItem, state domain.RunState, modelStepID string, call domain.RequestedToolCall) bool {
	stepID := uuid.NewString()
	key, err := jcs.IdempotencyKey(item.RunID, call.ID, call.Args)
	if err != nil {
		key = ""
	}
	requested := domain.ToolCallRequestedPayload{
		ToolCallID:     call.ID,
		ToolName:       call.Name,
		Args:           call.Args,
		IdempotencyKey: key,
		ModelStepID:    modelStepID,
	}
	settle := func(reason string) bool {
		requested.RiskTier = domain.RiskTierCritical
		p.add(event(item, stepID, requested))
		p.add(event(item, stepID, domain.ToolCallCompletedPayload{
			ToolCallID: call.ID,
			Error:      reason,
			Blocked:    true,
		}))
		return true
	}

	def, found := w.registry.Definition(call.Name)
	if !found {
		return settle(fmt.Sprintf("tool %q not found", call.Name))
	}
	if err := w.registry.Validate(call.Name, call.Args); err != nil {
		return settle(err.Error())
	}
	requested.RiskTier = def.RiskTier

	decision := w.gate.Decide(ctx, policy.Input{
		ToolName: def.Name,
		Category: def.Category,
		RiskTier: def.RiskTier,
		TenantID: state.TenantID,
		UserID:   state.UserID,
		Args:     call.Args,
	})

	switch decision.Decision {
	case policy.DecisionBlock:
		reason := decision.Reason
		if reason == "" {
			reason = "blocked by policy"
		}
		p.add(event(item, stepID, requested))
		p.add(event(item, stepID, domain.ToolCallCompletedPayload{
			ToolCallID: call.ID,
			Error:      reason,
			Blocked:    true,
		}))
		return true

	case policy.DecisionRequireApproval:
		requested.RequiresApproval = true
		approvalID := "ap_" + uuid.NewString()
		p.add(event(item, stepID, requested))
		p.add(event(item, stepID, domain.ApprovalRequestedPayload{
			ApprovalID:     approvalID,
			ToolCallID:     call.ID,
			ToolName:       def.Name,
			Args:           call.Args,
			RiskTier:       def.RiskTier,
			Summary:        approvalSummary(w.registry.Summarize(def.Name, call.Args), decision.Reason),
			ExpiresAfterMs: w.cfg.ApprovalTimeout.Milliseconds(),
		}))
		timeout := followUp(item, domain.WorkTypeTimeoutCheck, domain.TimeoutCheckPayload{ApprovalID: approvalID})
		timeout.ScheduledDelay = w.cfg.ApprovalTimeout
		p.enqueue(timeout)
		return false

	default:
		p.add(event(item, stepID, requested))
		p.enqueue(followUp(item, domain.WorkTypeExecuteToolCall, domain.ExecuteToolCallPayload{
			StepID:         stepID,
			ToolCallID:     call.ID,
			ToolName:       def.Name,
			Args:           call.Args,
			IdempotencyKey: key,
		}))
		return false
	}
}

func approvalSummary(summary, reason string) string {
	if reason == "" {
		return summary
	}
	return strings.TrimSpace(summary + " (" + reason + ")")
}

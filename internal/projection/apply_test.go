package projection

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/eventstore"
)

const (
	testRun    = "run-1"
	testTenant = "tenant-a"
)

type logBuilder struct {
	seq    int64
	now    time.Time
	events []domain.StoredEvent
}

func newLog() *logBuilder {
	return &logBuilder{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (b *logBuilder) add(stepID string, p domain.Payload) domain.StoredEvent {
	b.seq++
	b.now = b.now.Add(time.Second)
	evt := domain.StoredEvent{
		Event: domain.Event{
			ID:        "evt-" + string(rune('a'+b.seq)),
			RunID:     testRun,
			StepID:    stepID,
			Type:      p.EventType(),
			TenantID:  testTenant,
			Timestamp: b.now,
			Payload:   p,
		},
		Sequence: b.seq,
		StoredAt: b.now,
	}
	b.events = append(b.events, evt)
	return evt
}

func (b *logBuilder) state() domain.RunState {
	return Fold(domain.RunState{}, b.events)
}

func gatedToolCall(b *logBuilder, toolCallID, approvalID string) {
	b.add("step-"+toolCallID, domain.ToolCallRequestedPayload{
		ToolCallID:       toolCallID,
		ToolName:         "dangerous.command",
		Args:             json.RawMessage(`{"cmd":"rm"}`),
		RiskTier:         domain.RiskTierCritical,
		RequiresApproval: true,
	})
	b.add("step-"+toolCallID, domain.ApprovalRequestedPayload{
		ApprovalID: approvalID,
		ToolCallID: toolCallID,
		ToolName:   "dangerous.command",
		Args:       json.RawMessage(`{"cmd":"rm"}`),
		RiskTier:   domain.RiskTierCritical,
	})
}

func TestRunStartedWithUserMessage(t *testing.T) {
	b := newLog()
	b.add("", domain.RunStartedPayload{UserID: "u1"})
	b.add("", domain.UserMessageCreatedPayload{MessageID: "m1", Content: "hi"})

	s := b.state()
	assert.Equal(t, domain.RunStatusRunning, s.Status)
	require.Len(t, s.Messages, 1)
	assert.Equal(t, domain.MessageRoleUser, s.Messages[0].Role)
	assert.Equal(t, "hi", s.Messages[0].Content)
	assert.Equal(t, testTenant, s.TenantID)
	assert.Equal(t, "u1", s.UserID)
	assert.EqualValues(t, 2, s.LastEventSequence)
}

func TestCriticalToolCallAwaitingApproval(t *testing.T) {
	b := newLog()
	b.add("", domain.RunStartedPayload{UserID: "u1"})
	gatedToolCall(b, "tc-1", "ap-1")

	s := b.state()
	require.Len(t, s.ToolCalls, 1)
	assert.Equal(t, domain.ToolCallStatusPendingApproval, s.ToolCalls[0].Status)
	assert.Equal(t, "ap-1", s.ToolCalls[0].ApprovalID)
	require.Len(t, s.Approvals, 1)
	assert.Equal(t, domain.ApprovalStatusPending, s.Approvals[0].Status)
	assert.Equal(t, domain.RunStatusWaitingApproval, s.Status)
	assert.True(t, s.HasPendingApproval)
	require.Len(t, s.Steps, 1)
	assert.Equal(t, domain.StepStatusWaitingApproval, s.Steps[0].Status)
}

func TestResolvingLastApprovalResumesRun(t *testing.T) {
	b := newLog()
	b.add("", domain.RunStartedPayload{UserID: "u1"})
	gatedToolCall(b, "tc-1", "ap-1")
	gatedToolCall(b, "tc-2", "ap-2")

	b.add("", domain.ApprovalResolvedPayload{ApprovalID: "ap-1", ToolCallID: "tc-1", Decision: domain.ApprovalDecisionApprove, ResolvedBy: "alice"})
	s := b.state()
	assert.True(t, s.HasPendingApproval)
	assert.Equal(t, domain.RunStatusWaitingApproval, s.Status)
	tc, _ := s.ToolCall("tc-1")
	assert.Equal(t, domain.ToolCallStatusApproved, tc.Status)

	b.add("", domain.ApprovalResolvedPayload{ApprovalID: "ap-2", ToolCallID: "tc-2", Decision: domain.ApprovalDecisionReject, ResolvedBy: "bob"})
	s = b.state()
	assert.False(t, s.HasPendingApproval)
	assert.Equal(t, domain.RunStatusRunning, s.Status)
	tc, _ = s.ToolCall("tc-2")
	assert.Equal(t, domain.ToolCallStatusRejected, tc.Status)
	a, _ := s.Approval("ap-2")
	assert.Equal(t, domain.ApprovalDecisionReject, a.Decision)
	assert.Equal(t, "bob", a.ResolvedBy)
	require.NotNil(t, a.ResolvedAt)
}

func TestApprovalDecisionIsImmutable(t *testing.T) {
	b := newLog()
	b.add("", domain.RunStartedPayload{UserID: "u1"})
	gatedToolCall(b, "tc-1", "ap-1")
	b.add("", domain.ApprovalResolvedPayload{ApprovalID: "ap-1", ToolCallID: "tc-1", Decision: domain.ApprovalDecisionReject, ResolvedBy: "alice"})
	b.add("", domain.ApprovalResolvedPayload{ApprovalID: "ap-1", ToolCallID: "tc-1", Decision: domain.ApprovalDecisionApprove, ResolvedBy: "mallory"})

	s := b.state()
	a, ok := s.Approval("ap-1")
	require.True(t, ok)
	assert.Equal(t, domain.ApprovalDecisionReject, a.Decision)
	assert.Equal(t, "alice", a.ResolvedBy)
}

func TestHasPendingApprovalMatchesApprovals(t *testing.T) {
	b := newLog()
	b.add("", domain.RunStartedPayload{UserID: "u1"})
	gatedToolCall(b, "tc-1", "ap-1")
	b.add("", domain.ApprovalResolvedPayload{ApprovalID: "ap-1", ToolCallID: "tc-1", Decision: domain.ApprovalDecisionEscalate, ResolvedBy: "alice"})
	b.add("", domain.ApprovalRequestedPayload{ApprovalID: "ap-1b", ToolCallID: "tc-1", ToolName: "dangerous.command", AssignedTo: "security", SupersedesID: "ap-1"})
	b.add("", domain.ApprovalResolvedPayload{ApprovalID: "ap-1b", ToolCallID: "tc-1", Decision: domain.ApprovalDecisionApprove, ResolvedBy: "security"})

	state := domain.RunState{}
	for _, evt := range b.events {
		state = Apply(state, evt)
		if len(state.Approvals) == 0 {
			continue
		}
		assert.Equal(t, len(state.PendingApprovals()) > 0, state.HasPendingApproval, "after sequence %d", evt.Sequence)
	}
	assert.Equal(t, domain.RunStatusRunning, state.Status)
	args, ok := state.ApprovedArgs("tc-1")
	assert.True(t, ok)
	assert.JSONEq(t, `{"cmd":"rm"}`, string(args))
}

func TestModelCallStreamingAndTokens(t *testing.T) {
	b := newLog()
	b.add("", domain.RunStartedPayload{UserID: "u1"})
	b.add("llm-1", domain.LlmStartedPayload{Model: "mock"})
	b.add("llm-1", domain.LlmDeltaPayload{Index: 0, Content: "Hel"})
	b.add("llm-1", domain.LlmDeltaPayload{Index: 1, Content: "lo"})

	s := b.state()
	assert.Equal(t, "Hello", s.StreamingContent)
	require.Len(t, s.Steps, 1)
	assert.Equal(t, domain.StepStatusRunning, s.Steps[0].Status, "deltas never touch the step")
	assert.Equal(t, "llm-1", s.CurrentStepID)

	b.add("llm-1", domain.LlmCompletedPayload{Content: "Hello", InputTokens: 7, OutputTokens: 2})
	b.add("", domain.AssistantMessageCreatedPayload{MessageID: "a1", Content: "Hello"})
	b.add("", domain.RunWaitingInputPayload{})
	s = b.state()
	assert.Equal(t, domain.StepStatusCompleted, s.Steps[0].Status)
	assert.Equal(t, 9, s.TotalTokens)
	assert.Empty(t, s.StreamingContent)
	assert.Equal(t, domain.RunStatusWaitingInput, s.Status)
	assert.Equal(t, domain.MessageRoleAssistant, s.Messages[0].Role)

	b.add("", domain.UserMessageCreatedPayload{MessageID: "m2", Content: "again"})
	assert.Equal(t, domain.RunStatusRunning, b.state().Status, "a new user message resumes the run")
}

func TestRetriedModelCallRestartsStreamingContent(t *testing.T) {
	b := newLog()
	b.add("", domain.RunStartedPayload{UserID: "u1"})
	b.add("llm-1", domain.LlmStartedPayload{Model: "mock"})
	b.add("llm-1", domain.LlmDeltaPayload{Index: 0, Content: "Par"})
	b.add("llm-1", domain.LlmDeltaPayload{Index: 1, Content: "tial"})
	assert.Equal(t, "Partial", b.state().StreamingContent)

	b.add("llm-1", domain.LlmDeltaPayload{Attempt: 1, Index: 0, Content: "Hel"})
	b.add("llm-1", domain.LlmDeltaPayload{Attempt: 1, Index: 1, Content: "lo"})
	b.add("llm-1", domain.LlmDeltaPayload{Attempt: 0, Index: 2, Content: "stale"})
	s := b.state()
	assert.Equal(t, "Hello", s.StreamingContent)
	assert.Equal(t, 1, s.StreamingAttempt)

	b.add("llm-1", domain.LlmDeltaPayload{Attempt: 1, Index: 0, Content: "Again"})
	assert.Equal(t, "Again", b.state().StreamingContent, "a redelivery without a retry bump restarts at index zero")
}

func TestToolCallLifecycle(t *testing.T) {
	b := newLog()
	b.add("", domain.RunStartedPayload{UserID: "u1"})
	b.add("step-t", domain.ToolCallRequestedPayload{ToolCallID: "tc-1", ToolName: "weather.query", RiskTier: domain.RiskTierLow, Args: json.RawMessage(`{"city":"Oslo"}`)})
	s := b.state()
	assert.Equal(t, domain.ToolCallStatusPending, s.ToolCalls[0].Status)
	assert.False(t, s.HasPendingApproval)

	b.add("step-t", domain.ToolCallStartedPayload{ToolCallID: "tc-1"})
	assert.Equal(t, domain.ToolCallStatusRunning, b.state().ToolCalls[0].Status)

	b.add("step-t", domain.ToolCallCompletedPayload{ToolCallID: "tc-1", Success: true, Result: json.RawMessage(`{"temp":3}`), DurationMs: 12})
	b.add("step-t", domain.ArtifactCreatedPayload{ArtifactID: "art-1", ToolCallID: "tc-1", Name: "forecast", ContentType: "application/json"})
	s = b.state()
	tc := s.ToolCalls[0]
	assert.Equal(t, domain.ToolCallStatusSuccess, tc.Status)
	assert.EqualValues(t, 12, tc.DurationMs)
	assert.Equal(t, domain.StepStatusCompleted, s.Steps[0].Status)
	require.Len(t, s.Artifacts, 1)
	assert.Equal(t, "step-t", s.Artifacts[0].StepID)
	last := s.Messages[len(s.Messages)-1]
	assert.Equal(t, domain.MessageRoleTool, last.Role)
	assert.Equal(t, "weather.query", last.ToolName)
}

func TestTerminalEvents(t *testing.T) {
	b := newLog()
	b.add("", domain.RunStartedPayload{UserID: "u1"})
	b.add("", domain.RunFailedPayload{Error: "model unavailable"})
	s := b.state()
	assert.Equal(t, domain.RunStatusFailed, s.Status)
	assert.True(t, s.Status.IsTerminal())
	assert.Equal(t, "model unavailable", s.LastError)

	b = newLog()
	b.add("", domain.RunStartedPayload{UserID: "u1"})
	b.add("", domain.RunCompletedPayload{TotalTokens: 42})
	s = b.state()
	assert.Equal(t, domain.RunStatusCompleted, s.Status)
	assert.Equal(t, 42, s.TotalTokens)
}

type futurePayload struct{}

func (futurePayload) EventType() domain.EventType { return "agent.teleported" }

func TestUnknownEventKindOnlyAdvancesSequence(t *testing.T) {
	b := newLog()
	b.add("", domain.RunStartedPayload{UserID: "u1"})
	before := b.state()
	b.add("", futurePayload{})
	after := b.state()

	assert.EqualValues(t, 2, after.LastEventSequence)
	after.LastEventSequence = before.LastEventSequence
	assert.Equal(t, before, after)
}

func TestApplyDoesNotMutatePreviousState(t *testing.T) {
	b := newLog()
	b.add("", domain.RunStartedPayload{UserID: "u1"})
	b.add("step-t", domain.ToolCallRequestedPayload{ToolCallID: "tc-1", ToolName: "weather.query", RiskTier: domain.RiskTierLow})
	base := b.state()

	started := b.add("step-t", domain.ToolCallStartedPayload{ToolCallID: "tc-1"})
	next := Apply(base, started)

	assert.Equal(t, domain.ToolCallStatusPending, base.ToolCalls[0].Status)
	assert.Equal(t, domain.ToolCallStatusRunning, next.ToolCalls[0].Status)

	// Two children of the same parent must not share appended elements.
	a := Apply(base, domain.StoredEvent{Event: domain.Event{Type: domain.EventTypeUserMessageCreated, Payload: domain.UserMessageCreatedPayload{Content: "a"}}, Sequence: 10})
	c := Apply(base, domain.StoredEvent{Event: domain.Event{Type: domain.EventTypeUserMessageCreated, Payload: domain.UserMessageCreatedPayload{Content: "c"}}, Sequence: 10})
	assert.Equal(t, "a", a.Messages[len(a.Messages)-1].Content)
	assert.Equal(t, "c", c.Messages[len(c.Messages)-1].Content)
}

func TestProjectIsDeterministic(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemory()
	b := newLog()
	b.add("", domain.RunStartedPayload{UserID: "u1"})
	b.add("", domain.UserMessageCreatedPayload{MessageID: "m1", Content: "hi"})
	b.add("llm-1", domain.LlmStartedPayload{Model: "mock"})
	gatedToolCall(b, "tc-1", "ap-1")
	events := make([]domain.Event, len(b.events))
	for i, e := range b.events {
		events[i] = e.Event
	}
	seqs, err := store.Append(ctx, events, 0)
	require.NoError(t, err)

	first, err := Project(ctx, store, testRun)
	require.NoError(t, err)
	second, err := Project(ctx, store, testRun)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, seqs[len(seqs)-1], first.LastEventSequence)
}

func TestProjectUnknownRun(t *testing.T) {
	_, err := Project(context.Background(), eventstore.NewMemory(), "nope")
	assert.ErrorIs(t, err, domain.ErrRunNotFound)
}

func TestProjectorCatchesUpFromCache(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemory()
	p, err := NewProjector(store, 8)
	require.NoError(t, err)

	_, err = store.Append(ctx, []domain.Event{
		domain.NewEvent(testRun, testTenant, domain.RunStartedPayload{UserID: "u1"}),
		domain.NewEvent(testRun, testTenant, domain.UserMessageCreatedPayload{MessageID: "m1", Content: "hi"}),
	}, 0)
	require.NoError(t, err)

	s1, err := p.Project(ctx, testRun)
	require.NoError(t, err)
	assert.EqualValues(t, 2, s1.LastEventSequence)
	assert.Equal(t, 1, p.Len())

	_, err = store.Append(ctx, []domain.Event{
		domain.NewEvent(testRun, testTenant, domain.RunWaitingInputPayload{}),
	}, 2)
	require.NoError(t, err)

	s2, err := p.Project(ctx, testRun)
	require.NoError(t, err)
	assert.EqualValues(t, 3, s2.LastEventSequence)
	assert.Equal(t, domain.RunStatusWaitingInput, s2.Status)
	assert.Equal(t, domain.RunStatusRunning, s1.Status, "earlier snapshot is untouched")

	full, err := Project(ctx, store, testRun)
	require.NoError(t, err)
	assert.Equal(t, full, s2)

	p.Forget(testRun)
	assert.Equal(t, 0, p.Len())
}

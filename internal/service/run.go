package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/xiaot623/agentrun/internal/domain"
)

// StartRun opens a run with its first user message and schedules orchestration.
func (s *Service) StartRun(ctx context.Context, req domain.StartRunRequest) (*domain.StartRunResponse, error) {
	if strings.TrimSpace(req.TenantID) == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", domain.ErrInvalidArguments)
	}
	if strings.TrimSpace(req.UserID) == "" {
		return nil, fmt.Errorf("%w: user_id is required", domain.ErrInvalidArguments)
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("%w: content is required", domain.ErrInvalidArguments)
	}

	runID := "run_" + uuid.NewString()
	correlationID := uuid.NewString()
	events := []domain.Event{
		domain.NewEvent(runID, req.TenantID, domain.RunStartedPayload{UserID: req.UserID, Model: req.Model}),
		domain.NewEvent(runID, req.TenantID, domain.UserMessageCreatedPayload{
			MessageID: "msg_" + uuid.NewString(),
			UserID:    req.UserID,
			Content:   req.Content,
		}),
	}
	for i := range events {
		events[i].CorrelationID = correlationID
	}

	seqs, err := s.store.Append(ctx, events, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to start run: %w", err)
	}

	item, err := domain.NewWorkItem(domain.WorkTypeOrchestrateRun, runID, req.TenantID, correlationID, domain.OrchestrateRunPayload{UserID: req.UserID})
	if err != nil {
		return nil, err
	}
	if err := s.queue.Enqueue(ctx, item); err != nil {
		s.failUnscheduled(ctx, runID, req.TenantID, correlationID, seqs[len(seqs)-1], err)
		return nil, fmt.Errorf("failed to schedule run: %w", err)
	}

	s.logger.Info("run started", slog.String("run_id", runID), slog.String("tenant_id", req.TenantID))
	return &domain.StartRunResponse{
		RunID:         runID,
		CorrelationID: correlationID,
		Sequence:      seqs[len(seqs)-1],
	}, nil
}

// SendMessage appends user input to a run waiting for it and resumes orchestration.
func (s *Service) SendMessage(ctx context.Context, runID string, req domain.SendMessageRequest) (*domain.SendMessageResponse, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("%w: content is required", domain.ErrInvalidArguments)
	}
	seq, err := s.store.CurrentSequence(ctx, runID)
	if err != nil {
		return nil, err
	}
	state, err := s.projector.Project(ctx, runID)
	if err != nil {
		return nil, err
	}
	switch {
	case state.Status.IsTerminal():
		return nil, fmt.Errorf("%w: %s is %s", domain.ErrRunTerminal, runID, state.Status)
	case state.Status != domain.RunStatusWaitingInput:
		return nil, fmt.Errorf("%w: %s is %s", domain.ErrRunNotWaitingInput, runID, state.Status)
	}

	userID := req.UserID
	if userID == "" {
		userID = state.UserID
	}
	correlationID := uuid.NewString()
	evt := domain.NewEvent(runID, state.TenantID, domain.UserMessageCreatedPayload{
		MessageID: "msg_" + uuid.NewString(),
		UserID:    userID,
		Content:   req.Content,
	})
	evt.CorrelationID = correlationID
	seqs, err := s.store.Append(ctx, []domain.Event{evt}, seq)
	if err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}

	item, err := domain.NewWorkItem(domain.WorkTypeContinueRun, runID, state.TenantID, correlationID, domain.ContinueRunPayload{UserID: userID})
	if err != nil {
		return nil, err
	}
	if err := s.queue.Enqueue(ctx, item); err != nil {
		s.failUnscheduled(ctx, runID, state.TenantID, correlationID, seqs[0], err)
		return nil, fmt.Errorf("failed to schedule run: %w", err)
	}

	payload := evt.Payload.(domain.UserMessageCreatedPayload)
	return &domain.SendMessageResponse{RunID: runID, MessageID: payload.MessageID, Sequence: seqs[0]}, nil
}

// failUnscheduled closes a run whose follow-up work could not be enqueued so it does not sit
// in Running with nothing to advance it.
func (s *Service) failUnscheduled(ctx context.Context, runID, tenantID, correlationID string, after int64, cause error) {
	logger := s.logger.With(slog.String("run_id", runID))
	logger.Error("run appended but work was not scheduled", slog.Any("error", cause))

	evt := domain.NewEvent(runID, tenantID, domain.RunFailedPayload{
		Error: "failed to schedule work: " + cause.Error(),
		Code:  "schedule_failed",
	})
	evt.CorrelationID = correlationID
	if _, err := s.store.Append(context.WithoutCancel(ctx), []domain.Event{evt}, after); err != nil {
		logger.Error("failed to mark unscheduled run failed", slog.Any("error", err))
	}
}

// CompleteRun schedules a run to be closed as completed.
func (s *Service) CompleteRun(ctx context.Context, runID string, req domain.CloseRunRequest) error {
	return s.closeRun(ctx, runID, domain.CleanupPayload{Reason: req.Reason})
}

// CancelRun schedules a run to be closed as failed with a cancellation reason.
func (s *Service) CancelRun(ctx context.Context, runID string, req domain.CloseRunRequest) error {
	return s.closeRun(ctx, runID, domain.CleanupPayload{Reason: req.Reason, Cancel: true})
}

func (s *Service) closeRun(ctx context.Context, runID string, payload domain.CleanupPayload) error {
	state, err := s.projector.Project(ctx, runID)
	if err != nil {
		return err
	}
	if state.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", domain.ErrRunTerminal, runID, state.Status)
	}
	item, err := domain.NewWorkItem(domain.WorkTypeCleanup, runID, state.TenantID, "", payload)
	if err != nil {
		return err
	}
	return s.queue.Enqueue(ctx, item)
}

// GetRunState projects the current state of a run.
func (s *Service) GetRunState(ctx context.Context, runID string) (domain.RunState, error) {
	return s.projector.Project(ctx, runID)
}

// IsNotFound reports whether err means the addressed run, approval or tool does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, domain.ErrRunNotFound) || errors.Is(err, domain.ErrApprovalNotFound) || errors.Is(err, domain.ErrToolNotFound)
}

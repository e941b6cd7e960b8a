package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xiaot623/agentrun/internal/domain"
)

// ResolveApproval validates a reviewer decision and queues it for the worker.
func (s *Service) ResolveApproval(ctx context.Context, runID, approvalID string, req domain.ApprovalDecisionRequest) (*domain.ApprovalDecisionResponse, error) {
	decision, err := domain.ParseApprovalDecision(req.Decision)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidArguments, err)
	}

	state, err := s.projector.Project(ctx, runID)
	if err != nil {
		return nil, err
	}
	approval, found := state.Approval(approvalID)
	if !found {
		return nil, fmt.Errorf("%w: %s", domain.ErrApprovalNotFound, approvalID)
	}
	if approval.Status != domain.ApprovalStatusPending {
		return nil, fmt.Errorf("%w: %s was resolved with %s", domain.ErrApprovalNotPending, approvalID, approval.Decision)
	}
	if state.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", domain.ErrRunTerminal, runID, state.Status)
	}
	if len(req.EditedArgs) > 0 {
		if decision != domain.ApprovalDecisionApprove {
			return nil, fmt.Errorf("%w: edited_args only apply to APPROVE", domain.ErrInvalidArguments)
		}
		if err := s.executor.Registry().Validate(approval.ToolName, req.EditedArgs); err != nil {
			return nil, err
		}
	}
	if decision == domain.ApprovalDecisionReassign && req.AssignTo == "" {
		return nil, fmt.Errorf("%w: assign_to is required to reassign", domain.ErrInvalidArguments)
	}

	item, err := domain.NewWorkItem(domain.WorkTypeProcessApproval, runID, state.TenantID, "", domain.ProcessApprovalPayload{
		ApprovalID: approvalID,
		Decision:   decision,
		EditedArgs: req.EditedArgs,
		ResolvedBy: req.DecidedBy,
		Comment:    req.Comment,
		AssignTo:   req.AssignTo,
	})
	if err != nil {
		return nil, err
	}
	if err := s.queue.Enqueue(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to queue approval decision: %w", err)
	}

	s.logger.Info("approval decision queued",
		slog.String("run_id", runID),
		slog.String("approval_id", approvalID),
		slog.String("decision", string(decision)),
	)
	return &domain.ApprovalDecisionResponse{
		ApprovalID: approvalID,
		ToolCallID: approval.ToolCallID,
		Decision:   decision,
		Queued:     true,
	}, nil
}

package service

import (
	"context"
	"fmt"

	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/eventstore"
)

const (
	defaultTake = 20
	maxTake     = 100
)

// ListRuns pages through run summaries aggregated from the event log.
func (s *Service) ListRuns(ctx context.Context, filter domain.RunFilter) (*domain.ListRunsResponse, error) {
	if filter.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", domain.ErrInvalidArguments)
	}
	if filter.Skip < 0 {
		filter.Skip = 0
	}
	if filter.Take <= 0 {
		filter.Take = defaultTake
	}
	filter.Take = min(filter.Take, maxTake)

	runs, err := s.store.ListRuns(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	if runs == nil {
		runs = []domain.RunSummary{}
	}
	return &domain.ListRunsResponse{Runs: runs, Skip: filter.Skip, Take: filter.Take}, nil
}

// LoadEvents returns up to limit events after fromSequence.
func (s *Service) LoadEvents(ctx context.Context, runID string, fromSequence int64, limit int) (*domain.EventsResponse, error) {
	if err := s.EnsureRun(ctx, runID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > eventstore.DefaultPageSize {
		limit = eventstore.DefaultPageSize
	}
	events, err := s.store.LoadEventsBatch(ctx, runID, fromSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	next := fromSequence
	if len(events) > 0 {
		next = events[len(events)-1].Sequence
	}
	if events == nil {
		events = []domain.StoredEvent{}
	}
	return &domain.EventsResponse{RunID: runID, Events: events, NextSequence: next}, nil
}

// EnsureRun returns domain.ErrRunNotFound when the run has no events.
func (s *Service) EnsureRun(ctx context.Context, runID string) error {
	exists, err := s.store.RunExists(ctx, runID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	return nil
}

package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/xiaot623/agentrun/internal/domain"
)

const maxAppendAttempts = 5

// plan is what a handler wants to append and enqueue for one read of the run state.
type plan struct {
	events    []domain.Event
	followUps []domain.WorkItem
}

func (p *plan) add(evt domain.Event) {
	p.events = append(p.events, evt)
}

func (p *plan) enqueue(item domain.WorkItem) {
	p.followUps = append(p.followUps, item)
}

// commit reads the run, builds a plan from it and appends the plan's events against the sequence
// observed before the read. On a concurrency conflict the run is re-read and the plan rebuilt.
// build may run several times and must not have side effects.
func (w *Worker) commit(ctx context.Context, runID string, build func(state domain.RunState) (plan, error)) (plan, domain.RunState, error) {
	for attempt := 1; ; attempt++ {
		// The sequence is read before projecting: trailing events the projector skips
		// would otherwise leave the expectation behind the store.
		seq, err := w.store.CurrentSequence(ctx, runID)
		if err != nil {
			return plan{}, domain.RunState{}, fmt.Errorf("read sequence: %w", err)
		}
		state, err := w.projector.Project(ctx, runID)
		if err != nil {
			return plan{}, domain.RunState{}, err
		}
		p, err := build(state)
		if err != nil {
			return plan{}, state, err
		}
		if len(p.events) == 0 {
			return p, state, nil
		}
		_, err = w.store.Append(ctx, p.events, seq)
		if err == nil {
			return p, state, nil
		}
		if !errors.Is(err, domain.ErrConcurrencyConflict) {
			return plan{}, state, fmt.Errorf("append events: %w", err)
		}
		w.metrics.AppendConflict()
		if attempt >= maxAppendAttempts {
			return plan{}, state, err
		}
	}
}

// event builds an event caused by item.
func event(item domain.WorkItem, stepID string, payload domain.Payload) domain.Event {
	evt := domain.NewEvent(item.RunID, item.TenantID, payload)
	evt.StepID = stepID
	evt.CorrelationID = item.CorrelationID
	evt.CausationID = item.ID
	return evt
}

// followUp derives a work item and panics only on an unencodable payload, which is a programming error.
func followUp(item domain.WorkItem, workType domain.WorkType, payload any) domain.WorkItem {
	next, err := item.FollowUp(workType, payload)
	if err != nil {
		panic(err)
	}
	return next
}

// failRun appends run.failed unless the run is already terminal.
func (w *Worker) failRun(ctx context.Context, item domain.WorkItem, reason, code string) error {
	_, _, err := w.commit(ctx, item.RunID, func(state domain.RunState) (plan, error) {
		var p plan
		if state.Status.IsTerminal() {
			return p, nil
		}
		p.add(event(item, "", domain.RunFailedPayload{Error: reason, Code: code}))
		return p, nil
	})
	if errors.Is(err, domain.ErrRunNotFound) {
		return nil
	}
	return err
}

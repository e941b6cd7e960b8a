// Package eventstore defines the append-only per-run event log contract.
package eventstore

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/xiaot623/agentrun/internal/domain"
)

// AnySequence disables the expected-sequence check on Append.
const AnySequence int64 = -1

// DefaultPageSize is the page size used when streaming events.
const DefaultPageSize = 200

// Store is a durable, append-only event log partitioned by run.
type Store interface {
	// Append writes a batch of events for a single run atomically and returns the assigned sequences.
	// When expectedSequence is not AnySequence the run's current sequence must equal it,
	// otherwise the batch is rejected with domain.ErrConcurrencyConflict and nothing is written.
	Append(ctx context.Context, events []domain.Event, expectedSequence int64) ([]int64, error)
	// LoadEvents lazily yields events with sequence greater than fromSequence in ascending order.
	LoadEvents(ctx context.Context, runID string, fromSequence int64) iter.Seq2[domain.StoredEvent, error]
	// LoadEventsBatch returns at most maxCount events with sequence greater than fromSequence.
	LoadEventsBatch(ctx context.Context, runID string, fromSequence int64, maxCount int) ([]domain.StoredEvent, error)
	// CurrentSequence returns the highest assigned sequence, or 0 for an unknown run.
	CurrentSequence(ctx context.Context, runID string) (int64, error)
	RunExists(ctx context.Context, runID string) (bool, error)
	ListRuns(ctx context.Context, filter domain.RunFilter) ([]domain.RunSummary, error)
}

// PrepareBatch validates a batch and fills in missing ids, types and timestamps.
// It returns the run id shared by every event.
func PrepareBatch(events []domain.Event) (string, []domain.Event, error) {
	if len(events) == 0 {
		return "", nil, nil
	}
	runID := events[0].RunID
	if runID == "" {
		return "", nil, fmt.Errorf("%w: run id is required", domain.ErrInvalidEvent)
	}
	out := make([]domain.Event, len(events))
	for i, evt := range events {
		if evt.RunID != runID {
			return "", nil, fmt.Errorf("%w: batch mixes runs %s and %s", domain.ErrInvalidEvent, runID, evt.RunID)
		}
		if evt.Payload == nil {
			return "", nil, fmt.Errorf("%w: event %d has no payload", domain.ErrInvalidEvent, i)
		}
		if evt.Type == "" {
			evt.Type = evt.Payload.EventType()
		}
		if evt.Type != evt.Payload.EventType() {
			return "", nil, fmt.Errorf("%w: type %s does not match payload %s", domain.ErrInvalidEvent, evt.Type, evt.Payload.EventType())
		}
		if evt.ID == "" {
			evt.ID = uuid.NewString()
		}
		if evt.Timestamp.IsZero() {
			evt.Timestamp = time.Now().UTC()
		}
		evt.Timestamp = evt.Timestamp.UTC().Truncate(time.Millisecond)
		out[i] = evt
	}
	return runID, out, nil
}

// PageFunc loads one page of decoded events after fromSequence.
// lastSequence is the highest raw sequence read, including events skipped during decoding.
type PageFunc func(ctx context.Context, fromSequence int64, limit int) (events []domain.StoredEvent, lastSequence int64, err error)

// Paginate turns a page loader into a lazy event stream. No page cursor outlives a single call.
func Paginate(ctx context.Context, fromSequence int64, pageSize int, load PageFunc) iter.Seq2[domain.StoredEvent, error] {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return func(yield func(domain.StoredEvent, error) bool) {
		cursor := fromSequence
		for {
			if err := ctx.Err(); err != nil {
				yield(domain.StoredEvent{}, err)
				return
			}
			page, last, err := load(ctx, cursor, pageSize)
			if err != nil {
				yield(domain.StoredEvent{}, err)
				return
			}
			for _, evt := range page {
				if !yield(evt, nil) {
					return
				}
			}
			if last <= cursor {
				return
			}
			cursor = last
		}
	}
}

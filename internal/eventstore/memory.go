package eventstore

import (
	"context"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/xiaot623/agentrun/internal/domain"
)

// Memory is an in-process Store with the same append semantics as the SQLite store.
type Memory struct {
	mu        sync.RWMutex
	runs      map[string][]domain.StoredEvent
	order     []string
	publisher Publisher
	logger    *slog.Logger
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithMemoryPublisher sets the publisher called after each append.
func WithMemoryPublisher(p Publisher) MemoryOption {
	return func(m *Memory) { m.publisher = p }
}

// WithMemoryLogger sets the logger.
func WithMemoryLogger(l *slog.Logger) MemoryOption {
	return func(m *Memory) { m.logger = l }
}

// NewMemory creates an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		runs:      make(map[string][]domain.StoredEvent),
		publisher: NopPublisher{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var _ Store = (*Memory)(nil)

func (m *Memory) Append(ctx context.Context, events []domain.Event, expectedSequence int64) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	runID, events, err := PrepareBatch(events)
	if err != nil || len(events) == 0 {
		return nil, err
	}

	m.mu.Lock()
	log := m.runs[runID]
	current := int64(len(log))
	if expectedSequence != AnySequence && expectedSequence != current {
		m.mu.Unlock()
		return nil, &domain.ConcurrencyConflictError{RunID: runID, Expected: expectedSequence, Actual: current}
	}
	if len(log) == 0 {
		m.order = append(m.order, runID)
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	stored := make([]domain.StoredEvent, len(events))
	seqs := make([]int64, len(events))
	for i, evt := range events {
		seq := current + int64(i) + 1
		stored[i] = domain.StoredEvent{Event: evt, Sequence: seq, StoredAt: now}
		seqs[i] = seq
	}
	m.runs[runID] = append(log, stored...)
	m.mu.Unlock()

	PublishCommitted(ctx, m.publisher, m.logger, stored)
	return seqs, nil
}

func (m *Memory) LoadEvents(ctx context.Context, runID string, fromSequence int64) iter.Seq2[domain.StoredEvent, error] {
	return Paginate(ctx, fromSequence, DefaultPageSize, func(ctx context.Context, from int64, limit int) ([]domain.StoredEvent, int64, error) {
		page, err := m.LoadEventsBatch(ctx, runID, from, limit)
		if err != nil || len(page) == 0 {
			return nil, from, err
		}
		return page, page[len(page)-1].Sequence, nil
	})
}

func (m *Memory) LoadEventsBatch(ctx context.Context, runID string, fromSequence int64, maxCount int) ([]domain.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if maxCount <= 0 {
		return nil, nil
	}
	if fromSequence < 0 {
		fromSequence = 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	log := m.runs[runID]
	if fromSequence >= int64(len(log)) {
		return nil, nil
	}
	end := min(int64(len(log)), fromSequence+int64(maxCount))
	return slices.Clone(log[fromSequence:end]), nil
}

func (m *Memory) CurrentSequence(ctx context.Context, runID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.runs[runID])), nil
}

func (m *Memory) RunExists(ctx context.Context, runID string) (bool, error) {
	seq, err := m.CurrentSequence(ctx, runID)
	return seq > 0, err
}

func (m *Memory) ListRuns(ctx context.Context, filter domain.RunFilter) ([]domain.RunSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	var out []domain.RunSummary
	for _, runID := range m.order {
		s := Summarize(m.runs[runID])
		if s.TenantID != filter.TenantID {
			continue
		}
		if filter.UserID != "" && s.UserID != filter.UserID {
			continue
		}
		out = append(out, s)
	}
	m.mu.RUnlock()

	slices.SortStableFunc(out, func(a, b domain.RunSummary) int {
		if c := b.LastEventAt.Compare(a.LastEventAt); c != 0 {
			return c
		}
		return strings.Compare(a.RunID, b.RunID)
	})
	skip := max(filter.Skip, 0)
	if skip >= len(out) {
		return nil, nil
	}
	out = out[skip:]
	if filter.Take > 0 && filter.Take < len(out) {
		out = out[:filter.Take]
	}
	return out, nil
}

package projection

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/eventstore"
)

// Project replays every event of a run. It returns domain.ErrRunNotFound for a run with no events.
func Project(ctx context.Context, store eventstore.Store, runID string) (domain.RunState, error) {
	state, err := CatchUp(ctx, store, domain.RunState{RunID: runID})
	if err != nil {
		return domain.RunState{}, err
	}
	if state.LastEventSequence == 0 {
		return domain.RunState{}, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	return state, nil
}

// CatchUp folds events newer than base.LastEventSequence into base.
func CatchUp(ctx context.Context, store eventstore.Store, base domain.RunState) (domain.RunState, error) {
	state := base
	for evt, err := range store.LoadEvents(ctx, base.RunID, base.LastEventSequence) {
		if err != nil {
			return domain.RunState{}, fmt.Errorf("load events for %s: %w", base.RunID, err)
		}
		state = Apply(state, evt)
	}
	return state, nil
}

// Projector projects runs through an LRU of snapshots keyed by run id.
// A cached snapshot is only ever extended with events after its LastEventSequence.
// Returned states share backing arrays with the cache and must be treated as read-only.
type Projector struct {
	store eventstore.Store
	cache *lru.Cache[string, domain.RunState]
}

// NewProjector creates a projector caching up to size runs.
func NewProjector(store eventstore.Store, size int) (*Projector, error) {
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New[string, domain.RunState](size)
	if err != nil {
		return nil, fmt.Errorf("create projection cache: %w", err)
	}
	return &Projector{store: store, cache: cache}, nil
}

// Project returns the current state of a run.
func (p *Projector) Project(ctx context.Context, runID string) (domain.RunState, error) {
	base, ok := p.cache.Get(runID)
	if !ok {
		base = domain.RunState{RunID: runID}
	}
	state, err := CatchUp(ctx, p.store, base)
	if err != nil {
		return domain.RunState{}, err
	}
	if state.LastEventSequence == 0 {
		return domain.RunState{}, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	if state.LastEventSequence > base.LastEventSequence {
		if cur, ok := p.cache.Peek(runID); !ok || cur.LastEventSequence < state.LastEventSequence {
			p.cache.Add(runID, state)
		}
	}
	return state, nil
}

// Forget drops a run's cached snapshot.
func (p *Projector) Forget(runID string) {
	p.cache.Remove(runID)
}

// Len reports how many snapshots are cached.
func (p *Projector) Len() int {
	return p.cache.Len()
}

package eventstore

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/xiaot623/agentrun/internal/domain"
)

type decodeFunc func(data []byte) (domain.Payload, error)

// Registry maps event type tags to payload decoders.
type Registry struct {
	mu       sync.RWMutex
	decoders map[domain.EventType]decodeFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{decoders: make(map[domain.EventType]decodeFunc)}
}

// Register adds the payload type P under the tag it reports.
func Register[P domain.Payload](r *Registry) error {
	var zero P
	tag := zero.EventType()
	if tag == "" {
		return fmt.Errorf("payload %T reports an empty event type", zero)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.decoders[tag]; exists {
		return fmt.Errorf("event type %s already registered", tag)
	}
	r.decoders[tag] = func(data []byte) (domain.Payload, error) {
		var p P
		if len(data) > 0 {
			if err := json.Unmarshal(data, &p); err != nil {
				return nil, err
			}
		}
		return p, nil
	}
	return nil
}

// MustRegister is Register that panics on error.
func MustRegister[P domain.Payload](r *Registry) {
	if err := Register[P](r); err != nil {
		panic(err)
	}
}

// DefaultRegistry returns a registry holding every run event kind.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	MustRegister[domain.RunStartedPayload](r)
	MustRegister[domain.RunWaitingInputPayload](r)
	MustRegister[domain.RunCompletedPayload](r)
	MustRegister[domain.RunFailedPayload](r)
	MustRegister[domain.UserMessageCreatedPayload](r)
	MustRegister[domain.AssistantMessageCreatedPayload](r)
	MustRegister[domain.LlmStartedPayload](r)
	MustRegister[domain.LlmDeltaPayload](r)
	MustRegister[domain.LlmCompletedPayload](r)
	MustRegister[domain.ToolCallRequestedPayload](r)
	MustRegister[domain.ToolCallStartedPayload](r)
	MustRegister[domain.ToolCallCompletedPayload](r)
	MustRegister[domain.ApprovalRequestedPayload](r)
	MustRegister[domain.ApprovalResolvedPayload](r)
	MustRegister[domain.ArtifactCreatedPayload](r)
	return r
}

// Types lists the registered tags in sorted order.
func (r *Registry) Types() []domain.EventType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.EventType, 0, len(r.decoders))
	for t := range r.decoders {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Known reports whether a tag is registered.
func (r *Registry) Known(t domain.EventType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.decoders[t]
	return ok
}

// Encode serializes a payload of a registered kind.
func (r *Registry) Encode(p domain.Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil payload", domain.ErrInvalidEvent)
	}
	if !r.Known(p.EventType()) {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownEventType, p.EventType())
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.EventType(), err)
	}
	return data, nil
}

// Decode maps a stored payload back to its concrete kind.
func (r *Registry) Decode(t domain.EventType, data []byte) (domain.Payload, error) {
	r.mu.RLock()
	decode, ok := r.decoders[t]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownEventType, t)
	}
	p, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return p, nil
}

// Package publish fans committed run events out to live websocket subscribers.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/eventstore"
)

// DefaultSendBuffer is the number of frames queued per subscriber before it is dropped.
const DefaultSendBuffer = 256

// Frame types sent to subscribers.
const (
	FrameEvent = "event"
	FrameError = "error"
)

// Frame is the wire message on a run stream.
type Frame struct {
	Type     string              `json:"type"`
	RunID    string              `json:"run_id"`
	Sequence int64               `json:"sequence,omitempty"`
	Event    *domain.StoredEvent `json:"event,omitempty"`
	Error    string              `json:"error,omitempty"`
}

type outbound struct {
	sequence int64
	data     []byte
}

// Subscriber receives the live events of one run.
type Subscriber struct {
	ID    string
	RunID string
	send  chan outbound
	done  chan struct{}
	once  sync.Once
}

// Done is closed when the hub drops the subscriber.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

// Hub tracks subscribers per run and implements eventstore.Publisher.
type Hub struct {
	mu         sync.RWMutex
	runs       map[string]map[string]*Subscriber
	sendBuffer int
	logger     *slog.Logger
}

var _ eventstore.Publisher = (*Hub)(nil)

// ErrSubscriberDropped reports frames that could not be delivered because a subscriber fell behind.
var ErrSubscriberDropped = errors.New("subscriber dropped")

// NewHub creates a hub. sendBuffer <= 0 uses DefaultSendBuffer.
func NewHub(sendBuffer int, logger *slog.Logger) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		runs:       make(map[string]map[string]*Subscriber),
		sendBuffer: sendBuffer,
		logger:     logger,
	}
}

// Subscribe registers a subscriber for a run.
func (h *Hub) Subscribe(runID string) *Subscriber {
	sub := &Subscriber{
		ID:    uuid.NewString(),
		RunID: runID,
		send:  make(chan outbound, h.sendBuffer),
		done:  make(chan struct{}),
	}
	h.mu.Lock()
	if h.runs[runID] == nil {
		h.runs[runID] = make(map[string]*Subscriber)
	}
	h.runs[runID][sub.ID] = sub
	h.mu.Unlock()
	h.logger.Debug("stream subscriber registered", slog.String("run_id", runID), slog.String("subscriber_id", sub.ID))
	return sub
}

// Unsubscribe removes a subscriber. It is safe to call more than once.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	if subs, ok := h.runs[sub.RunID]; ok {
		delete(subs, sub.ID)
		if len(subs) == 0 {
			delete(h.runs, sub.RunID)
		}
	}
	h.mu.Unlock()
	sub.close()
}

// Publish delivers events to the subscribers of their run without blocking.
// A subscriber whose buffer is full is dropped and the error reports it.
func (h *Hub) Publish(_ context.Context, events []domain.StoredEvent) error {
	if len(events) == 0 {
		return nil
	}
	runID := events[0].RunID

	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.runs[runID]))
	for _, sub := range h.runs[runID] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()
	if len(subs) == 0 {
		return nil
	}

	frames := make([]outbound, 0, len(events))
	for i := range events {
		data, err := EncodeEvent(events[i])
		if err != nil {
			return err
		}
		frames = append(frames, outbound{sequence: events[i].Sequence, data: data})
	}

	var dropped []*Subscriber
	for _, sub := range subs {
		for _, f := range frames {
			select {
			case sub.send <- f:
				continue
			default:
			}
			dropped = append(dropped, sub)
			break
		}
	}
	for _, sub := range dropped {
		h.logger.Warn("stream subscriber buffer full, dropping", slog.String("run_id", runID), slog.String("subscriber_id", sub.ID))
		h.Unsubscribe(sub)
	}
	if len(dropped) > 0 {
		return ErrSubscriberDropped
	}
	return nil
}

// SubscriberCount returns the number of subscribers of a run.
func (h *Hub) SubscriberCount(runID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.runs[runID])
}

// RunCount returns the number of runs with at least one subscriber.
func (h *Hub) RunCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.runs)
}

// EncodeEvent renders a stored event as an event frame.
func EncodeEvent(evt domain.StoredEvent) ([]byte, error) {
	return json.Marshal(Frame{Type: FrameEvent, RunID: evt.RunID, Sequence: evt.Sequence, Event: &evt})
}

package queue

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xiaot623/agentrun/internal/domain"
)

type memoryEntry struct {
	item        domain.WorkItem
	availableAt time.Time
	leaseToken  string
	leaseUntil  time.Time
	attempts    int
}

// Memory is an in-process Queue. It keeps lease and delay semantics so tests exercise redelivery.
type Memory struct {
	mu     sync.Mutex
	now    func() time.Time
	queues map[string][]*memoryEntry
	dead   map[string][]DeadItem
}

// DeadItem is a dead-lettered work item.
type DeadItem struct {
	Item   domain.WorkItem
	Reason string
}

// NewMemory creates an empty in-memory queue.
func NewMemory() *Memory {
	return &Memory{
		now:    time.Now,
		queues: make(map[string][]*memoryEntry),
		dead:   make(map[string][]DeadItem),
	}
}

var _ Queue = (*Memory)(nil)

func (m *Memory) Enqueue(ctx context.Context, items ...domain.WorkItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, item := range items {
		if item.ID == "" {
			return fmt.Errorf("work item id is required")
		}
		q := For(item.Type)
		m.queues[q] = append(m.queues[q], &memoryEntry{item: item, availableAt: now.Add(item.ScheduledDelay)})
	}
	return nil
}

func (m *Memory) Dequeue(ctx context.Context, queue string, lease time.Duration) (*Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, e := range m.queues[queue] {
		if e.availableAt.After(now) {
			continue
		}
		if e.leaseToken != "" && e.leaseUntil.After(now) {
			continue
		}
		e.leaseToken = uuid.NewString()
		e.leaseUntil = now.Add(lease)
		e.attempts++
		return &Delivery{Item: e.item, Queue: queue, LeaseToken: e.leaseToken, Attempt: e.attempts}, nil
	}
	return nil, nil
}

func (m *Memory) Ack(ctx context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.remove(d) {
		return fmt.Errorf("work item %s is not leased by this delivery", d.Item.ID)
	}
	return nil
}

func (m *Memory) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.remove(d) {
		return fmt.Errorf("work item %s is not leased by this delivery", d.Item.ID)
	}
	m.dead[d.Queue] = append(m.dead[d.Queue], DeadItem{Item: d.Item, Reason: reason})
	return nil
}

func (m *Memory) Depth(ctx context.Context, queue string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[queue]), nil
}

// Dead returns the dead-lettered items of a queue.
func (m *Memory) Dead(queue string) []DeadItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.dead[queue])
}

func (m *Memory) remove(d *Delivery) bool {
	entries := m.queues[d.Queue]
	for i, e := range entries {
		if e.item.ID == d.Item.ID && e.leaseToken == d.LeaseToken {
			m.queues[d.Queue] = slices.Delete(entries, i, i+1)
			return true
		}
	}
	return false
}

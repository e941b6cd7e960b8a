// Package queue defines the at-least-once work queue that carries work items between orchestration stages.
package queue

import (
	"context"
	"time"

	"github.com/xiaot623/agentrun/internal/domain"
)

// Logical queue names.
const (
	Orchestration = "orchestration"
	ToolExecution = "tool-execution"
)

// Names lists every logical queue a worker subscribes to.
func Names() []string {
	return []string{Orchestration, ToolExecution}
}

// For routes a work type to its logical queue.
func For(t domain.WorkType) string {
	if t == domain.WorkTypeExecuteToolCall {
		return ToolExecution
	}
	return Orchestration
}

// Delivery is a leased work item. It must be acknowledged or dead-lettered before the lease expires,
// otherwise it is delivered again.
type Delivery struct {
	Item       domain.WorkItem
	Queue      string
	LeaseToken string
	Attempt    int
}

// Queue transports work items.
type Queue interface {
	// Enqueue adds items to their routed queues. Items with a ScheduledDelay become visible after it elapses.
	Enqueue(ctx context.Context, items ...domain.WorkItem) error
	// Dequeue leases the next visible item on a queue. It returns nil when the queue is empty.
	Dequeue(ctx context.Context, queue string, lease time.Duration) (*Delivery, error)
	// Ack removes a delivered item.
	Ack(ctx context.Context, d *Delivery) error
	// DeadLetter parks a delivered item that will not be retried.
	DeadLetter(ctx context.Context, d *Delivery, reason string) error
	// Depth counts items waiting or leased on a queue.
	Depth(ctx context.Context, queue string) (int, error)
}

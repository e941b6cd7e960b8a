package eventstore

import (
	"context"
	"errors"

	"github.com/xiaot623/agentrun/internal/domain"
)

// Publisher fans committed events out to live subscribers. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, events []domain.StoredEvent) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, events []domain.StoredEvent) error

func (f PublisherFunc) Publish(ctx context.Context, events []domain.StoredEvent) error {
	return f(ctx, events)
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, []domain.StoredEvent) error { return nil }

// MultiPublisher publishes to every target and joins their errors.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, events []domain.StoredEvent) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

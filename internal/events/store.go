package events

import (
	"context"

	"github.com/atmx/mm-riskcore/internal/model"
)

// EventStore persists events and order attempts.
type EventStore interface {
	InsertEvent(ctx context.Context, ev model.Event) error
	InsertAttempt(ctx context.Context, a model.OrderAttempt) error
}

// StoreBackend writes events to a persistent store. ORDER_ATTEMPT events
// carrying a model.OrderAttempt under Data["attempt"] go to the attempts
// table instead of the generic event log.
type StoreBackend struct {
	Store EventStore
}

func (b StoreBackend) Name() string { return "store" }

func (b StoreBackend) Publish(ctx context.Context, ev model.Event) error {
	if ev.Type == model.EventOrderAttempt {
		if a, ok := ev.Data["attempt"].(model.OrderAttempt); ok {
			return b.Store.InsertAttempt(ctx, a)
		}
	}
	return b.Store.InsertEvent(ctx, ev)
}

package stock_repo

import (
	"context"

	"pharmstock/internal/domain/stock"
	"pharmstock/internal/infrastructure/storage/postgres"
)

// AggregatePharmacy is the outbox aggregate type of stock events.
const AggregatePharmacy = "pharmacy"

// EventPublisher writes stock events to sys_outbox inside the current transaction.
type EventPublisher struct {
	outbox *postgres.OutboxPublisher
}

func NewEventPublisher(outbox *postgres.OutboxPublisher) *EventPublisher {
	return &EventPublisher{outbox: outbox}
}

func (p *EventPublisher) Publish(ctx context.Context, event stock.Event) error {
	return p.outbox.Publish(ctx, postgres.DomainEvent{
		AggregateType: AggregatePharmacy,
		AggregateID:   event.AggregateID,
		EventType:     event.Type,
		Payload:       event.Payload,
	})
}

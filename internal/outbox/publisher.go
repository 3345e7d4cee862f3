package outbox

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/robertarktes/vacation-rental-bookings/internal/domain"
	"github.com/robertarktes/vacation-rental-bookings/internal/observability"
)

type Store interface {
	GetUnpublishedOutbox(ctx context.Context, limit int) ([]domain.OutboxEvent, error)
	MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error
}

type Broker interface {
	Publish(ctx context.Context, key string, msg amqp.Publishing) error
}

const batchSize = 100

type Publisher struct {
	store  Store
	broker Broker
	logger observability.Logger
	now    func() time.Time
}

func NewPublisher(store Store, broker Broker, logger observability.Logger) *Publisher {
	return &Publisher{store: store, broker: broker, logger: logger, now: time.Now}
}

func (p *Publisher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.PublishBatch(ctx); err != nil && ctx.Err() == nil {
				p.logger.WithError(err).Error("outbox batch failed")
			}
		}
	}
}

// PublishBatch sends the oldest unpublished events in order and stops at the
// first failure so ordering per aggregate is kept. Consumers dedupe on
// MessageId since an event is re-sent if marking it fails.
func (p *Publisher) PublishBatch(ctx context.Context) (int, error) {
	events, err := p.store.GetUnpublishedOutbox(ctx, batchSize)
	if err != nil {
		return 0, errors.Wrap(err, "load outbox")
	}

	published := 0
	for _, evt := range events {
		msg := amqp.Publishing{
			MessageId:   evt.ID.String(),
			Type:        evt.EventType,
			ContentType: "application/json",
			Timestamp:   evt.CreatedAt,
			Headers: amqp.Table{
				"aggregate_type": evt.AggregateType,
				"aggregate_id":   evt.AggregateID.String(),
			},
			Body: evt.Payload,
		}
		if err := p.broker.Publish(ctx, evt.EventType, msg); err != nil {
			return published, errors.Wrapf(err, "publish outbox event %s", evt.ID)
		}
		now := p.now()
		if err := p.store.MarkPublished(ctx, evt.ID, now); err != nil {
			return published, errors.Wrapf(err, "mark outbox event %s", evt.ID)
		}
		observability.OutboxLag.Set(now.Sub(evt.CreatedAt).Seconds())
		published++
	}
	if published > 0 {
		p.logger.WithField("count", published).Debug("outbox events published")
	}
	return published, nil
}

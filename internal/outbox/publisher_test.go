package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertarktes/vacation-rental-bookings/internal/adapters/memstore"
	"github.com/robertarktes/vacation-rental-bookings/internal/domain"
	"github.com/robertarktes/vacation-rental-bookings/internal/observability"
)

type recordingBroker struct {
	keys   []string
	msgs   []amqp.Publishing
	failAt int
}

func (b *recordingBroker) Publish(_ context.Context, key string, msg amqp.Publishing) error {
	if b.failAt > 0 && len(b.keys)+1 == b.failAt {
		b.failAt = 0
		return errors.New("channel closed")
	}
	b.keys = append(b.keys, key)
	b.msgs = append(b.msgs, msg)
	return nil
}

func seed(t *testing.T, store *memstore.Store, n int) []domain.OutboxEvent {
	t.Helper()
	var events []domain.OutboxEvent
	created := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		r := domain.Reservation{
			ID:       uuid.New(),
			GuestID:  "guest-1",
			CheckIn:  time.Date(2025, 7, 10+i*3, 0, 0, 0, 0, time.UTC),
			CheckOut: time.Date(2025, 7, 12+i*3, 0, 0, 0, 0, time.UTC),
			Status:   domain.ReservationPendingPayment,
		}
		evt := domain.OutboxEvent{
			ID:            uuid.New(),
			AggregateType: "reservation",
			AggregateID:   r.ID,
			EventType:     "reservation.created",
			Payload:       []byte(`{"reservation_id":"` + r.ID.String() + `"}`),
			CreatedAt:     created,
		}
		require.NoError(t, store.CreateReservation(context.Background(), r, &evt))
		events = append(events, evt)
	}
	return events
}

func TestPublishBatchMarksEventsPublished(t *testing.T) {
	store := memstore.New()
	events := seed(t, store, 3)
	broker := &recordingBroker{}
	p := NewPublisher(store, broker, observability.NewLogger())

	n, err := p.PublishBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, broker.msgs, 3)
	for i, msg := range broker.msgs {
		assert.Equal(t, events[i].ID.String(), msg.MessageId)
		assert.Equal(t, "reservation.created", broker.keys[i])
		assert.Equal(t, events[i].AggregateID.String(), msg.Headers["aggregate_id"])
	}

	n, err = p.PublishBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, broker.msgs, 3)
}

func TestPublishBatchStopsAtFirstFailure(t *testing.T) {
	store := memstore.New()
	events := seed(t, store, 3)
	broker := &recordingBroker{failAt: 2}
	p := NewPublisher(store, broker, observability.NewLogger())

	n, err := p.PublishBatch(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, n)

	pending, err := store.GetUnpublishedOutbox(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, events[1].ID, pending[0].ID)

	n, err = p.PublishBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

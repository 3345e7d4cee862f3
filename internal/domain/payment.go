package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

func NewPayment(r Reservation, now time.Time) Payment {
	return Payment{
		ID:            uuid.New(),
		ReservationID: r.ID,
		AmountMinor:   r.TotalAmountMinor,
		Currency:      r.Currency,
		Status:        PaymentPending,
		CreatedAt:     now,
	}
}

// NewOutboxEvent marshals payload; payloads are plain maps and structs so the
// marshal error is not expected in practice.
func NewOutboxEvent(aggregateType string, aggregateID uuid.UUID, eventType string, payload interface{}, now time.Time) OutboxEvent {
	data, _ := json.Marshal(payload)
	return OutboxEvent{
		ID:            uuid.New(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       data,
		CreatedAt:     now,
	}
}

package domain

import (
	"time"

	"github.com/google/uuid"
)

func NewReservation(guestID string, stay DateRange, guestCount int, total int64, currency string, now time.Time, holdTTL time.Duration) Reservation {
	return Reservation{
		ID:               uuid.New(),
		GuestID:          guestID,
		CheckIn:          stay.CheckIn,
		CheckOut:         stay.CheckOut,
		GuestCount:       guestCount,
		TotalAmountMinor: total,
		Currency:         currency,
		Status:           ReservationPendingPayment,
		Version:          1,
		CreatedAt:        now,
		HoldExpiresAt:    now.Add(holdTTL),
		UpdatedAt:        now,
	}
}

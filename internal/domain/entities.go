package domain

import (
	"time"

	"github.com/google/uuid"
)

type DayStatus string

const (
	DayOpen    DayStatus = "open"
	DayHeld    DayStatus = "held"
	DayBooked  DayStatus = "booked"
	DayBlocked DayStatus = "blocked"
)

// AvailabilityDay is the occupancy record of one calendar date. ReservationID is
// set while the day is held or booked.
type AvailabilityDay struct {
	Date          time.Time
	Status        DayStatus
	ReservationID *uuid.UUID
}

type ReservationStatus string

const (
	ReservationPendingPayment ReservationStatus = "pending_payment"
	ReservationConfirmed      ReservationStatus = "confirmed"
	ReservationCancelled      ReservationStatus = "cancelled"
	ReservationExpired        ReservationStatus = "expired"
)

type Reservation struct {
	ID               uuid.UUID
	GuestID          string
	CheckIn          time.Time
	CheckOut         time.Time
	GuestCount       int
	TotalAmountMinor int64
	Currency         string
	Status           ReservationStatus
	Version          int
	CreatedAt        time.Time
	HoldExpiresAt    time.Time
	UpdatedAt        time.Time
}

func (r Reservation) Stay() DateRange {
	return DateRange{CheckIn: r.CheckIn, CheckOut: r.CheckOut}
}

func (r Reservation) HoldExpired(now time.Time) bool {
	return !now.Before(r.HoldExpiresAt)
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

type Payment struct {
	ID                uuid.UUID
	ReservationID     uuid.UUID
	AmountMinor       int64
	Currency          string
	Status            PaymentStatus
	GatewaySessionID  string
	CheckoutURL       string
	SessionExpiresAt  *time.Time
	GatewayChargeID   string
	RefundID          string
	RefundAmountMinor int64
	AttemptCount      int
	CreatedAt         time.Time
	CompletedAt       *time.Time

	// PlannedAttempt is the latest attempt whose session expiry has been fixed.
	// Every gateway request for that attempt carries PlannedExpiresAt, so
	// replays under the attempt's idempotency key stay identical.
	PlannedAttempt   int
	PlannedExpiresAt *time.Time
}

// HasActiveSession reports whether the latest checkout session can still be paid.
func (p Payment) HasActiveSession(now time.Time) bool {
	return p.GatewaySessionID != "" && p.SessionExpiresAt != nil && now.Before(*p.SessionExpiresAt)
}

// PlanLapsed reports whether the planned attempt can no longer open a payable
// session.
func (p Payment) PlanLapsed(now time.Time) bool {
	return p.PlannedExpiresAt != nil && !now.Before(*p.PlannedExpiresAt)
}

// CheckoutSession is one hosted-checkout attempt of a payment. A payment keeps
// every session it ever opened so late webhooks for older ones still resolve.
type CheckoutSession struct {
	SessionID string
	PaymentID uuid.UUID
	Attempt   int
	URL       string
	ExpiresAt time.Time
	CreatedAt time.Time
}

type WebhookOutcome string

const (
	OutcomeApplied   WebhookOutcome = "applied"
	OutcomeDuplicate WebhookOutcome = "duplicate"
	OutcomeError     WebhookOutcome = "error"
)

type WebhookEventRecord struct {
	EventID    string
	EventType  string
	ReceivedAt time.Time
	Outcome    WebhookOutcome
	ExpiresAt  time.Time
}

// Actor is the already-authenticated caller. Admin is a capability granted by the
// identity layer, never derived here.
type Actor struct {
	SubjectID string
	Admin     bool
}

func (a Actor) CanAccess(guestID string) bool {
	return a.Admin || (a.SubjectID != "" && a.SubjectID == guestID)
}

// SystemActor is used by internal flows such as late-payment refunds.
var SystemActor = Actor{SubjectID: "system", Admin: true}

// OutboxEvent is a domain event persisted with the state change that caused it.
type OutboxEvent struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
}

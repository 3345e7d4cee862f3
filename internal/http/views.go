package http

import (
	"time"

	"github.com/google/uuid"

	"github.com/robertarktes/vacation-rental-bookings/internal/domain"
	"github.com/robertarktes/vacation-rental-bookings/internal/payment"
	"github.com/robertarktes/vacation-rental-bookings/internal/webhook"
)

type reservationView struct {
	ID            uuid.UUID `json:"id"`
	GuestID       string    `json:"guestId"`
	CheckIn       string    `json:"checkIn"`
	CheckOut      string    `json:"checkOut"`
	Nights        int       `json:"nights"`
	GuestCount    int       `json:"guestCount"`
	TotalAmount   int64     `json:"totalAmountMinorUnits"`
	Currency      string    `json:"currency"`
	Status        string    `json:"status"`
	Version       int       `json:"version"`
	HoldExpiresAt time.Time `json:"holdExpiresAt"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func reservationViewOf(r domain.Reservation) reservationView {
	return reservationView{
		ID:            r.ID,
		GuestID:       r.GuestID,
		CheckIn:       r.CheckIn.Format(domain.DateLayout),
		CheckOut:      r.CheckOut.Format(domain.DateLayout),
		Nights:        r.Stay().Nights(),
		GuestCount:    r.GuestCount,
		TotalAmount:   r.TotalAmountMinor,
		Currency:      r.Currency,
		Status:        string(r.Status),
		Version:       r.Version,
		HoldExpiresAt: r.HoldExpiresAt,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

type checkoutView struct {
	PaymentID    uuid.UUID `json:"paymentId"`
	SessionID    string    `json:"sessionId"`
	CheckoutURL  string    `json:"checkoutUrl"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Amount       int64     `json:"amount"`
	Currency     string    `json:"currency"`
	AttemptCount int       `json:"attemptCount"`
}

func checkoutViewOf(c payment.Checkout) checkoutView {
	return checkoutView{
		PaymentID:    c.PaymentID,
		SessionID:    c.SessionID,
		CheckoutURL:  c.CheckoutURL,
		ExpiresAt:    c.ExpiresAt,
		Amount:       c.AmountMinor,
		Currency:     c.Currency,
		AttemptCount: c.AttemptCount,
	}
}

type refundView struct {
	PaymentID uuid.UUID `json:"paymentId"`
	RefundID  string    `json:"refundId,omitempty"`
	Amount    int64     `json:"amount"`
	Status    string    `json:"status"`
}

func refundViewOf(r payment.RefundResult) refundView {
	return refundView{PaymentID: r.PaymentID, RefundID: r.RefundID, Amount: r.AmountMinor, Status: r.Status}
}

type cancelView struct {
	Reservation    reservationView `json:"reservation"`
	RefundFraction float64         `json:"refundFraction"`
	Refund         *refundView     `json:"refund,omitempty"`
	RefundError    string          `json:"refundError,omitempty"`
	Hints          []string        `json:"hints,omitempty"`
}

type paymentView struct {
	ID                uuid.UUID  `json:"id"`
	Status            string     `json:"status"`
	Amount            int64      `json:"amountMinorUnits"`
	Currency          string     `json:"currency"`
	SessionID         string     `json:"gatewaySessionId,omitempty"`
	CheckoutURL       string     `json:"checkoutUrl,omitempty"`
	SessionExpiresAt  *time.Time `json:"sessionExpiresAt,omitempty"`
	RefundID          string     `json:"refundId,omitempty"`
	RefundAmountMinor int64      `json:"refundAmountMinorUnits,omitempty"`
	AttemptCount      int        `json:"attemptCount"`
	CreatedAt         time.Time  `json:"createdAt"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`
}

func paymentViewOf(p domain.Payment) paymentView {
	return paymentView{
		ID:                p.ID,
		Status:            string(p.Status),
		Amount:            p.AmountMinor,
		Currency:          p.Currency,
		SessionID:         p.GatewaySessionID,
		CheckoutURL:       p.CheckoutURL,
		SessionExpiresAt:  p.SessionExpiresAt,
		RefundID:          p.RefundID,
		RefundAmountMinor: p.RefundAmountMinor,
		AttemptCount:      p.AttemptCount,
		CreatedAt:         p.CreatedAt,
		CompletedAt:       p.CompletedAt,
	}
}

type statusView struct {
	ReservationID     uuid.UUID     `json:"reservationId"`
	ReservationStatus string        `json:"reservationStatus"`
	Payment           *paymentView  `json:"payment,omitempty"`
	Payments          []paymentView `json:"payments"`
	Sessions          []sessionView `json:"sessions"`
}

type sessionView struct {
	SessionID string    `json:"sessionId"`
	Attempt   int       `json:"attempt"`
	URL       string    `json:"checkoutUrl"`
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
}

func statusViewOf(s payment.StatusView) statusView {
	v := statusView{
		ReservationID:     s.Reservation.ID,
		ReservationStatus: string(s.Reservation.Status),
		Payments:          []paymentView{},
		Sessions:          []sessionView{},
	}
	if s.Payment != nil {
		pv := paymentViewOf(*s.Payment)
		v.Payment = &pv
	}
	for _, p := range s.Payments {
		v.Payments = append(v.Payments, paymentViewOf(p))
	}
	for _, cs := range s.Sessions {
		v.Sessions = append(v.Sessions, sessionView{
			SessionID: cs.SessionID,
			Attempt:   cs.Attempt,
			URL:       cs.URL,
			ExpiresAt: cs.ExpiresAt,
			CreatedAt: cs.CreatedAt,
		})
	}
	return v
}

type availabilityView struct {
	From        string   `json:"from"`
	To          string   `json:"to"`
	Unavailable []string `json:"unavailable"`
}

type webhookView struct {
	Received bool   `json:"received"`
	EventID  string `json:"eventId"`
	Outcome  string `json:"outcome"`
}

func webhookViewOf(r webhook.Result) webhookView {
	return webhookView{Received: true, EventID: r.EventID, Outcome: string(r.Outcome)}
}

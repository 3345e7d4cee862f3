// Package payment tracks payments and hosted-checkout sessions for
// reservations, applies verified gateway outcomes and issues refunds.
//
// A payment row is the unit of exclusion: at most one open (pending or
// failed) and one settled (completed or refunded) payment exist per
// reservation, and every status change is conditional on the prior state.
// Gateway calls always carry an idempotency key derived from the reservation
// or payment, so a repeated or concurrent request converges on one session or
// one refund at the provider.
package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/robertarktes/vacation-rental-bookings/internal/domain"
	"github.com/robertarktes/vacation-rental-bookings/internal/gateway"
	"github.com/robertarktes/vacation-rental-bookings/internal/observability"
	"github.com/robertarktes/vacation-rental-bookings/internal/reservation"
)

type Store interface {
	// CreatePayment inserts p unless the reservation already has an open or a
	// settled payment, reporting whether it was inserted.
	CreatePayment(ctx context.Context, p domain.Payment) (bool, error)
	GetPayment(ctx context.Context, id uuid.UUID) (domain.Payment, error)
	OpenPayment(ctx context.Context, reservationID uuid.UUID) (domain.Payment, error)
	SettledPayment(ctx context.Context, reservationID uuid.UUID) (domain.Payment, error)
	ListPayments(ctx context.Context, reservationID uuid.UUID) ([]domain.Payment, error)
	// PaymentBySession resolves any session the payment ever opened.
	PaymentBySession(ctx context.Context, sessionID string) (domain.Payment, error)
	PaymentByCharge(ctx context.Context, chargeID string) (domain.Payment, error)
	// AttachSession makes cs the payment's current session when the payment is
	// open and its attempt count equals expectedAttempts.
	AttachSession(ctx context.Context, paymentID uuid.UUID, expectedAttempts, newAttempts int, cs domain.CheckoutSession) (bool, error)
	// PlanSession fixes the session expiry of attempt on an open payment whose
	// attempt count is expectedAttempts, unless attempt or a later one is
	// already planned.
	PlanSession(ctx context.Context, paymentID uuid.UUID, expectedAttempts, attempt int, expiresAt time.Time) (bool, error)
	ListSessions(ctx context.Context, paymentID uuid.UUID) ([]domain.CheckoutSession, error)
	MarkPaymentCompleted(ctx context.Context, paymentID uuid.UUID, chargeID string, at time.Time, evt *domain.OutboxEvent) (bool, error)
	// MarkPaymentFailed applies only while sessionID is the current session of
	// a pending payment.
	MarkPaymentFailed(ctx context.Context, paymentID uuid.UUID, sessionID string, evt *domain.OutboxEvent) (bool, error)
	// RecordRefund stores the gateway's refund id on a completed payment that
	// has none yet.
	RecordRefund(ctx context.Context, paymentID uuid.UUID, refundID string, amount int64) (bool, error)
	MarkPaymentRefunded(ctx context.Context, paymentID uuid.UUID, refundID string, amount int64, evt *domain.OutboxEvent) (bool, error)
}

// Reservations is the part of the reservation manager payments depend on.
type Reservations interface {
	Get(ctx context.Context, id uuid.UUID, actor domain.Actor) (domain.Reservation, error)
	Lookup(ctx context.Context, id uuid.UUID) (domain.Reservation, error)
	PinForPayment(ctx context.Context, id uuid.UUID) (domain.Reservation, error)
	CheckPayable(r domain.Reservation) error
	Confirm(ctx context.Context, id uuid.UUID) (domain.Reservation, error)
	Cancel(ctx context.Context, id uuid.UUID, actor domain.Actor) (reservation.CancelResult, error)
	Now() time.Time
}

type Config struct {
	SessionTTL time.Duration
	// MinSessionLifetime is the shortest session the gateway accepts, counted
	// from when it receives the request.
	MinSessionLifetime time.Duration
	MaxAttempts        int
	SuccessURL         string
	CancelURL          string
}

type Orchestrator struct {
	store        Store
	reservations Reservations
	gw           gateway.Gateway
	logger       observability.Logger
	cfg          Config
}

func NewOrchestrator(store Store, reservations Reservations, gw gateway.Gateway, logger observability.Logger, cfg Config) *Orchestrator {
	return &Orchestrator{store: store, reservations: reservations, gw: gw, logger: logger, cfg: cfg}
}

type Checkout struct {
	PaymentID    uuid.UUID
	SessionID    string
	CheckoutURL  string
	ExpiresAt    time.Time
	AmountMinor  int64
	Currency     string
	AttemptCount int
}

func checkoutOf(p domain.Payment) Checkout {
	c := Checkout{
		PaymentID:    p.ID,
		SessionID:    p.GatewaySessionID,
		CheckoutURL:  p.CheckoutURL,
		AmountMinor:  p.AmountMinor,
		Currency:     p.Currency,
		AttemptCount: p.AttemptCount,
	}
	if p.SessionExpiresAt != nil {
		c.ExpiresAt = *p.SessionExpiresAt
	}
	return c
}

// CreateCheckoutSession opens the first hosted-checkout session for a pending
// reservation. Repeating the call while that session is live returns it
// unchanged.
func (o *Orchestrator) CreateCheckoutSession(ctx context.Context, actor domain.Actor, reservationID uuid.UUID, successURL, cancelURL string) (Checkout, error) {
	r, err := o.reservations.Get(ctx, reservationID, actor)
	if err != nil {
		return Checkout{}, err
	}
	if err := o.ensureUnpaid(ctx, reservationID); err != nil {
		return Checkout{}, err
	}
	if err := o.reservations.CheckPayable(r); err != nil {
		return Checkout{}, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		p, err := o.store.OpenPayment(ctx, reservationID)
		switch {
		case err == nil:
			return o.resumeCheckout(ctx, r, p, successURL, cancelURL)
		case !errors.Is(err, domain.ErrNotFound):
			return Checkout{}, errors.Wrap(err, "load open payment")
		}

		pinned, err := o.reservations.PinForPayment(ctx, reservationID)
		if err != nil {
			return Checkout{}, err
		}
		now := o.reservations.Now()
		p = domain.NewPayment(pinned, now)
		expiresAt := o.sessionExpiry(now)
		p.PlannedExpiresAt = &expiresAt
		created, err := o.store.CreatePayment(ctx, p)
		if err != nil {
			return Checkout{}, errors.Wrap(err, "create payment")
		}
		if created {
			return o.openFirstSession(ctx, pinned, p, successURL, cancelURL)
		}
		// lost the insert to a concurrent request or a settled payment appeared
		if err := o.ensureUnpaid(ctx, reservationID); err != nil {
			return Checkout{}, err
		}
	}
	return Checkout{}, errors.Wrapf(domain.ErrConflict, "reservation %s changed during checkout", reservationID)
}

func (o *Orchestrator) ensureUnpaid(ctx context.Context, reservationID uuid.UUID) error {
	_, err := o.store.SettledPayment(ctx, reservationID)
	if err == nil {
		return errors.Wrapf(domain.ErrAlreadyPaid, "reservation %s", reservationID)
	}
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return errors.Wrap(err, "load settled payment")
}

func (o *Orchestrator) resumeCheckout(ctx context.Context, r domain.Reservation, p domain.Payment, successURL, cancelURL string) (Checkout, error) {
	if p.GatewaySessionID == "" {
		return o.openFirstSession(ctx, r, p, successURL, cancelURL)
	}
	if p.Status == domain.PaymentPending && p.HasActiveSession(o.reservations.Now()) {
		return checkoutOf(p), nil
	}
	return Checkout{}, errors.WithHintf(
		errors.Wrapf(domain.ErrConflict, "checkout session %s is no longer payable", p.GatewaySessionID),
		"start a new attempt with POST /payments/%s/retry", r.ID)
}

// openFirstSession asks the gateway for the attempt-0 session. The key is the
// reservation id and the expiry was fixed when the payment was created, so a
// replay after a lost response gets the same session.
func (o *Orchestrator) openFirstSession(ctx context.Context, r domain.Reservation, p domain.Payment, successURL, cancelURL string) (Checkout, error) {
	if p.PlannedExpiresAt == nil || p.PlanLapsed(o.reservations.Now()) {
		return Checkout{}, errors.WithHintf(
			errors.Wrapf(domain.ErrConflict, "first checkout attempt of payment %s has lapsed", p.ID),
			"start a new attempt with POST /payments/%s/retry", r.ID)
	}
	s, err := o.gw.CreateCheckoutSession(ctx, o.checkoutRequest(r, p, r.ID.String(), *p.PlannedExpiresAt, successURL, cancelURL))
	if err != nil {
		return Checkout{}, errors.WithHint(errors.Wrap(err, "create checkout session"),
			"the payment is still pending; repeat the request to resume it")
	}
	cs := o.sessionRecord(p, s, 0)
	if _, err := o.store.AttachSession(ctx, p.ID, 0, 0, cs); err != nil {
		return Checkout{}, errors.Wrap(err, "attach checkout session")
	}
	current, err := o.store.GetPayment(ctx, p.ID)
	if err != nil {
		return Checkout{}, errors.Wrap(err, "reload payment")
	}

	o.logger.WithFields(map[string]interface{}{
		"reservation_id": r.ID,
		"payment_id":     p.ID,
		"session_id":     current.GatewaySessionID,
	}).Info("checkout session created")
	return checkoutOf(current), nil
}

// Retry opens a new checkout session for the reservation's open payment. The
// reservation hold is not extended.
func (o *Orchestrator) Retry(ctx context.Context, actor domain.Actor, reservationID uuid.UUID, successURL, cancelURL string) (Checkout, error) {
	r, err := o.reservations.Get(ctx, reservationID, actor)
	if err != nil {
		return Checkout{}, err
	}
	if err := o.ensureUnpaid(ctx, reservationID); err != nil {
		return Checkout{}, err
	}
	if err := o.reservations.CheckPayable(r); err != nil {
		return Checkout{}, err
	}

	p, err := o.store.OpenPayment(ctx, reservationID)
	if errors.Is(err, domain.ErrNotFound) {
		return Checkout{}, errors.WithHint(
			errors.Wrapf(domain.ErrInvalidTransition, "reservation %s has no checkout to retry", reservationID),
			"create a checkout session first")
	}
	if err != nil {
		return Checkout{}, errors.Wrap(err, "load open payment")
	}

	now := o.reservations.Now()
	next := p.AttemptCount + 1
	if p.PlannedAttempt > next {
		next = p.PlannedAttempt
	}
	if p.PlannedAttempt == next && p.PlanLapsed(now) {
		// the planned attempt never got a session in time and is used up
		next++
	}
	if next > o.cfg.MaxAttempts {
		return Checkout{}, errors.WithHintf(
			errors.Wrapf(domain.ErrMaxRetriesExceeded, "%d of %d retries used", next-1, o.cfg.MaxAttempts),
			"your dates stay held until %s; contact the host to pay another way or cancel the reservation",
			r.HoldExpiresAt.Format(time.RFC3339))
	}

	expiresAt, err := o.planAttempt(ctx, p, next, now)
	if err != nil {
		return Checkout{}, err
	}
	key := fmt.Sprintf("%s:%d", reservationID, next)
	s, err := o.gw.CreateCheckoutSession(ctx, o.checkoutRequest(r, p, key, expiresAt, successURL, cancelURL))
	if err != nil {
		return Checkout{}, errors.WithHint(errors.Wrap(err, "create retry checkout session"),
			"repeat the retry to resume this attempt")
	}

	ok, err := o.store.AttachSession(ctx, p.ID, p.AttemptCount, next, o.sessionRecord(p, s, next))
	if err != nil {
		return Checkout{}, errors.Wrap(err, "attach checkout session")
	}
	if !ok {
		current, err := o.store.GetPayment(ctx, p.ID)
		if err != nil {
			return Checkout{}, errors.Wrap(err, "reload payment")
		}
		// a concurrent retry with the same attempt number attached the same session
		if current.AttemptCount == next && current.GatewaySessionID == s.ID {
			return checkoutOf(current), nil
		}
		return Checkout{}, errors.Wrapf(domain.ErrConflict, "payment %s changed during retry", p.ID)
	}

	if p.GatewaySessionID != "" && p.GatewaySessionID != s.ID {
		o.expireSession(ctx, p.GatewaySessionID)
	}

	p.GatewaySessionID, p.CheckoutURL, p.AttemptCount = s.ID, s.URL, next
	p.SessionExpiresAt = &s.ExpiresAt
	p.Status = domain.PaymentPending
	o.logger.WithFields(map[string]interface{}{
		"reservation_id": reservationID,
		"payment_id":     p.ID,
		"attempt":        next,
	}).Info("checkout retried")
	return checkoutOf(p), nil
}

// planAttempt returns the session expiry of attempt, fixing it first if no
// request for the attempt has been planned yet.
func (o *Orchestrator) planAttempt(ctx context.Context, p domain.Payment, attempt int, now time.Time) (time.Time, error) {
	if p.PlannedAttempt == attempt && p.PlannedExpiresAt != nil {
		return *p.PlannedExpiresAt, nil
	}
	expiresAt := o.sessionExpiry(now)
	ok, err := o.store.PlanSession(ctx, p.ID, p.AttemptCount, attempt, expiresAt)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "plan checkout attempt")
	}
	if ok {
		return expiresAt, nil
	}
	current, err := o.store.GetPayment(ctx, p.ID)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "reload payment")
	}
	// a concurrent retry planned the same attempt first
	if current.AttemptCount == p.AttemptCount && current.PlannedAttempt == attempt && current.PlannedExpiresAt != nil {
		return *current.PlannedExpiresAt, nil
	}
	return time.Time{}, errors.Wrapf(domain.ErrConflict, "payment %s changed during retry", p.ID)
}

// sessionExpiry is the expiry of a session planned at now, in whole seconds
// since gateways take Unix timestamps.
func (o *Orchestrator) sessionExpiry(now time.Time) time.Time {
	ttl := o.cfg.SessionTTL
	if ttl < o.cfg.MinSessionLifetime {
		ttl = o.cfg.MinSessionLifetime
	}
	return now.Add(ttl).Truncate(time.Second)
}

func (o *Orchestrator) checkoutRequest(r domain.Reservation, p domain.Payment, key string, expiresAt time.Time, successURL, cancelURL string) gateway.CheckoutRequest {
	if successURL == "" {
		successURL = o.cfg.SuccessURL
	}
	if cancelURL == "" {
		cancelURL = o.cfg.CancelURL
	}
	return gateway.CheckoutRequest{
		IdempotencyKey:   key,
		ReservationID:    r.ID.String(),
		Description:      fmt.Sprintf("Stay %s, %d guests", r.Stay(), r.GuestCount),
		AmountMinorUnits: p.AmountMinor,
		Currency:         p.Currency,
		SuccessURL:       successURL,
		CancelURL:        cancelURL,
		ExpiresAt:        expiresAt,
	}
}

func (o *Orchestrator) sessionRecord(p domain.Payment, s *gateway.Session, attempt int) domain.CheckoutSession {
	return domain.CheckoutSession{
		SessionID: s.ID,
		PaymentID: p.ID,
		Attempt:   attempt,
		URL:       s.URL,
		ExpiresAt: s.ExpiresAt,
		CreatedAt: o.reservations.Now(),
	}
}

func (o *Orchestrator) expireSession(ctx context.Context, sessionID string) {
	if err := o.gw.ExpireCheckoutSession(ctx, sessionID); err != nil {
		o.logger.WithError(err).WithField("session_id", sessionID).Warn("failed to expire superseded checkout session")
	}
}

type StatusView struct {
	Reservation domain.Reservation
	// Payment is the settled payment if any, else the open one.
	Payment  *domain.Payment
	Payments []domain.Payment
	// Sessions are every checkout session Payment opened, oldest first.
	Sessions []domain.CheckoutSession
}

func (o *Orchestrator) Status(ctx context.Context, actor domain.Actor, reservationID uuid.UUID) (StatusView, error) {
	r, err := o.reservations.Get(ctx, reservationID, actor)
	if err != nil {
		return StatusView{}, err
	}
	payments, err := o.store.ListPayments(ctx, reservationID)
	if err != nil {
		return StatusView{}, errors.Wrap(err, "list payments")
	}
	view := StatusView{Reservation: r, Payments: payments}
	for i := range payments {
		p := payments[i]
		if view.Payment == nil || p.Status == domain.PaymentCompleted || p.Status == domain.PaymentRefunded {
			view.Payment = &p
		}
	}
	if view.Payment != nil {
		view.Sessions, err = o.store.ListSessions(ctx, view.Payment.ID)
		if err != nil {
			return StatusView{}, errors.Wrap(err, "list checkout sessions")
		}
	}
	return view, nil
}

func paymentEvent(p domain.Payment, eventType string, now time.Time) domain.OutboxEvent {
	return domain.NewOutboxEvent("payment", p.ID, eventType, map[string]interface{}{
		"payment_id":     p.ID,
		"reservation_id": p.ReservationID,
		"amount":         p.AmountMinor,
		"currency":       p.Currency,
		"status":         p.Status,
		"charge_id":      p.GatewayChargeID,
		"refund_id":      p.RefundID,
		"refund_amount":  p.RefundAmountMinor,
	}, now)
}

package payment

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/robertarktes/vacation-rental-bookings/internal/domain"
	"github.com/robertarktes/vacation-rental-bookings/internal/gateway"
	"github.com/robertarktes/vacation-rental-bookings/internal/observability"
)

// ApplyCheckoutCompleted records a paid session and confirms its reservation.
// A payment whose reservation already expired or was cancelled is refunded in
// full; a second charge on a superseded session of a settled payment is
// refunded on its own.
func (o *Orchestrator) ApplyCheckoutCompleted(ctx context.Context, ev domain.CheckoutCompleted) (domain.WebhookOutcome, error) {
	for attempt := 0; attempt < 2; attempt++ {
		p, err := o.store.PaymentBySession(ctx, ev.SessionID)
		if errors.Is(err, domain.ErrNotFound) {
			// the session may have been created but not attached yet
			return domain.OutcomeError, errors.Mark(
				errors.Newf("no payment for checkout session %s", ev.SessionID), domain.ErrRetryable)
		}
		if err != nil {
			return domain.OutcomeError, errors.Wrap(err, "load payment by session")
		}

		switch p.Status {
		case domain.PaymentCompleted, domain.PaymentRefunded:
			if ev.ChargeID != "" && p.GatewayChargeID != "" && ev.ChargeID != p.GatewayChargeID {
				return o.refundStrayCharge(ctx, p, ev)
			}
			if err := o.resumeConfirm(ctx, p); err != nil {
				return domain.OutcomeError, err
			}
			return domain.OutcomeDuplicate, nil
		}

		now := o.reservations.Now()
		completed := p
		completed.Status = domain.PaymentCompleted
		completed.GatewayChargeID = ev.ChargeID
		completed.CompletedAt = &now
		evt := paymentEvent(completed, "payment.completed", now)

		ok, err := o.store.MarkPaymentCompleted(ctx, p.ID, ev.ChargeID, now, &evt)
		if err != nil {
			return domain.OutcomeError, errors.Wrap(err, "complete payment")
		}
		if !ok {
			continue
		}
		if err := o.confirm(ctx, completed); err != nil {
			return domain.OutcomeError, err
		}
		o.logger.WithFields(map[string]interface{}{
			"payment_id":     p.ID,
			"reservation_id": p.ReservationID,
			"session_id":     ev.SessionID,
		}).Info("payment completed")
		return domain.OutcomeApplied, nil
	}
	return domain.OutcomeError, errors.Mark(
		errors.Newf("payment for session %s changed concurrently", ev.SessionID), domain.ErrRetryable)
}

// confirm books the reservation of a completed payment, refunding the payment
// in full when the reservation can no longer be confirmed.
func (o *Orchestrator) confirm(ctx context.Context, p domain.Payment) error {
	_, err := o.reservations.Confirm(ctx, p.ReservationID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrInvalidTransition) {
		return errors.Wrapf(err, "confirm reservation %s", p.ReservationID)
	}

	o.logger.WithFields(map[string]interface{}{
		"payment_id":     p.ID,
		"reservation_id": p.ReservationID,
	}).Warn("payment arrived for a closed reservation, refunding in full")
	if _, err := o.Refund(ctx, p.ID, 1); err != nil && !errors.Is(err, domain.ErrRefundNotAllowed) {
		return errors.Wrap(err, "refund late payment")
	}
	return nil
}

// resumeConfirm finishes a delivery that recorded the payment but stopped
// before the reservation was confirmed.
func (o *Orchestrator) resumeConfirm(ctx context.Context, p domain.Payment) error {
	if p.Status != domain.PaymentCompleted {
		return nil
	}
	r, err := o.reservations.Lookup(ctx, p.ReservationID)
	if err != nil {
		return errors.Wrap(err, "load reservation")
	}
	if r.Status != domain.ReservationPendingPayment {
		return nil
	}
	return o.confirm(ctx, p)
}

func (o *Orchestrator) refundStrayCharge(ctx context.Context, p domain.Payment, ev domain.CheckoutCompleted) (domain.WebhookOutcome, error) {
	ref, err := o.gw.Refund(ctx, gateway.RefundRequest{
		IdempotencyKey:   "stray:" + ev.ChargeID,
		ChargeID:         ev.ChargeID,
		AmountMinorUnits: ev.AmountMinor,
	})
	if err != nil {
		return domain.OutcomeError, errors.Wrapf(err, "refund stray charge %s", ev.ChargeID)
	}
	observability.RefundsIssued.Inc()
	o.logger.WithFields(map[string]interface{}{
		"payment_id": p.ID,
		"session_id": ev.SessionID,
		"charge_id":  ev.ChargeID,
		"refund_id":  ref.ID,
	}).Warn("second charge on a settled payment refunded")
	return domain.OutcomeApplied, nil
}

// ApplyCheckoutFailed marks the payment failed when the failing session is
// still its current one. Failures of superseded sessions change nothing.
func (o *Orchestrator) ApplyCheckoutFailed(ctx context.Context, ev domain.CheckoutFailed) (domain.WebhookOutcome, error) {
	p, err := o.store.PaymentBySession(ctx, ev.SessionID)
	if errors.Is(err, domain.ErrNotFound) {
		o.logger.WithField("session_id", ev.SessionID).Warn("failure for unknown checkout session ignored")
		return domain.OutcomeApplied, nil
	}
	if err != nil {
		return domain.OutcomeError, errors.Wrap(err, "load payment by session")
	}
	if p.Status == domain.PaymentFailed && p.GatewaySessionID == ev.SessionID {
		return domain.OutcomeDuplicate, nil
	}

	failed := p
	failed.Status = domain.PaymentFailed
	evt := paymentEvent(failed, "payment.failed", o.reservations.Now())
	ok, err := o.store.MarkPaymentFailed(ctx, p.ID, ev.SessionID, &evt)
	if err != nil {
		return domain.OutcomeError, errors.Wrap(err, "fail payment")
	}
	if ok {
		o.logger.WithFields(map[string]interface{}{
			"payment_id": p.ID,
			"session_id": ev.SessionID,
		}).Info("checkout failed")
	}
	return domain.OutcomeApplied, nil
}

// ApplyRefundCompleted settles a refund. The payment turns refunded only here.
func (o *Orchestrator) ApplyRefundCompleted(ctx context.Context, ev domain.RefundCompleted) (domain.WebhookOutcome, error) {
	p, err := o.store.PaymentByCharge(ctx, ev.ChargeID)
	if errors.Is(err, domain.ErrNotFound) {
		// stray-charge refunds are not attached to a payment
		o.logger.WithFields(map[string]interface{}{
			"charge_id": ev.ChargeID,
			"refund_id": ev.RefundID,
		}).Info("refund for untracked charge acknowledged")
		return domain.OutcomeApplied, nil
	}
	if err != nil {
		return domain.OutcomeError, errors.Wrap(err, "load payment by charge")
	}

	switch p.Status {
	case domain.PaymentRefunded:
		return domain.OutcomeDuplicate, nil
	case domain.PaymentCompleted:
	default:
		return domain.OutcomeError, errors.Mark(
			errors.Newf("refund for payment %s in status %s", p.ID, p.Status), domain.ErrRetryable)
	}

	refunded := p
	refunded.Status = domain.PaymentRefunded
	refunded.RefundAmountMinor = ev.AmountMinor
	if refunded.RefundID == "" {
		refunded.RefundID = ev.RefundID
	}
	evt := paymentEvent(refunded, "payment.refunded", o.reservations.Now())

	ok, err := o.store.MarkPaymentRefunded(ctx, p.ID, ev.RefundID, ev.AmountMinor, &evt)
	if err != nil {
		return domain.OutcomeError, errors.Wrap(err, "mark payment refunded")
	}
	if !ok {
		return domain.OutcomeDuplicate, nil
	}
	o.logger.WithFields(map[string]interface{}{
		"payment_id": p.ID,
		"refund_id":  refunded.RefundID,
		"amount":     ev.AmountMinor,
	}).Info("refund completed")
	return domain.OutcomeApplied, nil
}

package payment

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/robertarktes/vacation-rental-bookings/internal/domain"
	"github.com/robertarktes/vacation-rental-bookings/internal/gateway"
	"github.com/robertarktes/vacation-rental-bookings/internal/observability"
	"github.com/robertarktes/vacation-rental-bookings/internal/refundpolicy"
)

const (
	RefundStatusPending = "pending"
	// RefundStatusNone means the policy owed nothing and the gateway was not called.
	RefundStatusNone = "none"
)

type RefundResult struct {
	PaymentID   uuid.UUID
	RefundID    string
	AmountMinor int64
	Status      string
}

// Refund refunds round(amount * fraction) of a completed payment. The payment
// only becomes refunded once the gateway's refund webhook is applied.
func (o *Orchestrator) Refund(ctx context.Context, paymentID uuid.UUID, fraction float64) (RefundResult, error) {
	p, err := o.refundable(ctx, paymentID)
	if err != nil {
		return RefundResult{}, err
	}
	amount := refundpolicy.Amount(p.AmountMinor, fraction)
	if amount == 0 {
		return RefundResult{PaymentID: p.ID, Status: RefundStatusNone}, nil
	}
	return o.issueRefund(ctx, p, amount)
}

// RefundByPolicy sizes the refund with the cancellation policy as of now.
func (o *Orchestrator) RefundByPolicy(ctx context.Context, actor domain.Actor, paymentID uuid.UUID) (RefundResult, error) {
	if !actor.Admin {
		return RefundResult{}, domain.ErrForbidden
	}
	p, err := o.store.GetPayment(ctx, paymentID)
	if err != nil {
		return RefundResult{}, err
	}
	r, err := o.reservations.Lookup(ctx, p.ReservationID)
	if err != nil {
		return RefundResult{}, errors.Wrap(err, "load reservation")
	}
	return o.Refund(ctx, paymentID, refundpolicy.Fraction(r.CheckIn, o.reservations.Now()))
}

// RefundAmount refunds an explicit amount. It bypasses the policy and is
// reserved for admins.
func (o *Orchestrator) RefundAmount(ctx context.Context, actor domain.Actor, paymentID uuid.UUID, amount int64) (RefundResult, error) {
	if !actor.Admin {
		return RefundResult{}, domain.ErrForbidden
	}
	p, err := o.refundable(ctx, paymentID)
	if err != nil {
		return RefundResult{}, err
	}
	if amount <= 0 || amount > p.AmountMinor {
		return RefundResult{}, errors.Wrapf(domain.ErrInvalidInput, "refund amount must be between 1 and %d", p.AmountMinor)
	}
	return o.issueRefund(ctx, p, amount)
}

func (o *Orchestrator) refundable(ctx context.Context, paymentID uuid.UUID) (domain.Payment, error) {
	p, err := o.store.GetPayment(ctx, paymentID)
	if err != nil {
		return domain.Payment{}, err
	}
	switch {
	case p.Status != domain.PaymentCompleted:
		return domain.Payment{}, errors.Wrapf(domain.ErrRefundNotAllowed, "payment %s is %s", p.ID, p.Status)
	case p.RefundID != "":
		return domain.Payment{}, errors.WithHint(
			errors.Wrapf(domain.ErrRefundNotAllowed, "refund %s already requested", p.RefundID),
			"the payment turns refunded once the gateway confirms the refund")
	case p.GatewayChargeID == "":
		return domain.Payment{}, errors.Wrapf(domain.ErrRefundNotAllowed, "payment %s has no charge reference", p.ID)
	}
	return p, nil
}

// issueRefund keys the gateway call by payment so concurrent or repeated
// refunds of one payment collapse into a single refund at the provider.
func (o *Orchestrator) issueRefund(ctx context.Context, p domain.Payment, amount int64) (RefundResult, error) {
	ref, err := o.gw.Refund(ctx, gateway.RefundRequest{
		IdempotencyKey:   "refund:" + p.ID.String(),
		ChargeID:         p.GatewayChargeID,
		AmountMinorUnits: amount,
	})
	if err != nil {
		return RefundResult{}, errors.Wrapf(err, "refund payment %s", p.ID)
	}
	observability.RefundsIssued.Inc()

	ok, err := o.store.RecordRefund(ctx, p.ID, ref.ID, ref.AmountMinorUnits)
	if err != nil {
		return RefundResult{}, errors.Wrap(err, "record refund")
	}
	if !ok {
		current, err := o.store.GetPayment(ctx, p.ID)
		if err != nil {
			return RefundResult{}, errors.Wrap(err, "reload payment")
		}
		if current.RefundID != ref.ID {
			return RefundResult{}, errors.Wrapf(domain.ErrRefundNotAllowed, "payment %s is %s", p.ID, current.Status)
		}
	}

	o.logger.WithFields(map[string]interface{}{
		"payment_id": p.ID,
		"refund_id":  ref.ID,
		"amount":     ref.AmountMinorUnits,
	}).Info("refund requested")
	return RefundResult{PaymentID: p.ID, RefundID: ref.ID, AmountMinor: ref.AmountMinorUnits, Status: RefundStatusPending}, nil
}

type CancelOutcome struct {
	Reservation    domain.Reservation
	RefundFraction float64
	Refund         *RefundResult
}

// CancelReservation cancels the reservation and refunds its completed payment
// by the policy fraction. A live checkout session is expired so it cannot be
// paid afterwards.
func (o *Orchestrator) CancelReservation(ctx context.Context, actor domain.Actor, reservationID uuid.UUID) (CancelOutcome, error) {
	res, err := o.reservations.Cancel(ctx, reservationID, actor)
	if err != nil {
		return CancelOutcome{}, err
	}
	out := CancelOutcome{Reservation: res.Reservation, RefundFraction: res.RefundFraction}

	if open, err := o.store.OpenPayment(ctx, reservationID); err == nil && open.HasActiveSession(o.reservations.Now()) {
		o.expireSession(ctx, open.GatewaySessionID)
	}
	if !res.HasPayment {
		return out, nil
	}

	p, err := o.store.SettledPayment(ctx, reservationID)
	if err != nil {
		return out, errors.Wrap(err, "load settled payment")
	}
	refund, err := o.Refund(ctx, p.ID, res.RefundFraction)
	if err != nil {
		return out, errors.WithHintf(errors.Wrap(err, "reservation cancelled but refund failed"),
			"retry the refund with POST /payments/%s/refund", p.ID)
	}
	out.Refund = &refund
	return out, nil
}

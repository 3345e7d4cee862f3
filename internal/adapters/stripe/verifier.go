package stripe

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/robertarktes/vacation-rental-bookings/internal/domain"
)

// Verifier checks the Stripe-Signature header and maps Stripe events onto the
// engine's gateway events.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: secret, tolerance: webhook.DefaultTolerance}
}

func (v *Verifier) Verify(payload []byte, signatureHeader string) (domain.GatewayEvent, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signatureHeader, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "verify stripe signature"), domain.ErrInvalidSignature)
	}
	return translate(ev)
}

func translate(ev stripe.Event) (domain.GatewayEvent, error) {
	switch string(ev.Type) {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		var s stripe.CheckoutSession
		if err := json.Unmarshal(ev.Data.Raw, &s); err != nil {
			return nil, errors.Wrapf(err, "decode %s", ev.Type)
		}
		// a completed session with a delayed payment method is settled later
		// by async_payment_succeeded
		if s.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
			return domain.NewUnhandledEvent(ev.ID, string(ev.Type)), nil
		}
		chargeID := ""
		if s.PaymentIntent != nil {
			chargeID = s.PaymentIntent.ID
		}
		reservationID := s.Metadata["reservation_id"]
		if reservationID == "" {
			reservationID = s.ClientReferenceID
		}
		return domain.NewCheckoutCompleted(ev.ID, s.ID, reservationID, chargeID, s.AmountTotal), nil

	case "checkout.session.expired", "checkout.session.async_payment_failed":
		var s stripe.CheckoutSession
		if err := json.Unmarshal(ev.Data.Raw, &s); err != nil {
			return nil, errors.Wrapf(err, "decode %s", ev.Type)
		}
		return domain.NewCheckoutFailed(ev.ID, s.ID), nil

	case "charge.refunded":
		var c stripe.Charge
		if err := json.Unmarshal(ev.Data.Raw, &c); err != nil {
			return nil, errors.Wrapf(err, "decode %s", ev.Type)
		}
		chargeID := c.ID
		if c.PaymentIntent != nil {
			chargeID = c.PaymentIntent.ID
		}
		refundID := ""
		if c.Refunds != nil && len(c.Refunds.Data) > 0 {
			refundID = c.Refunds.Data[0].ID
		}
		return domain.NewRefundCompleted(ev.ID, chargeID, refundID, c.AmountRefunded), nil

	case "refund.updated":
		var r stripe.Refund
		if err := json.Unmarshal(ev.Data.Raw, &r); err != nil {
			return nil, errors.Wrapf(err, "decode %s", ev.Type)
		}
		if r.Status != stripe.RefundStatusSucceeded || r.PaymentIntent == nil {
			return domain.NewUnhandledEvent(ev.ID, string(ev.Type)), nil
		}
		return domain.NewRefundCompleted(ev.ID, r.PaymentIntent.ID, r.ID, r.Amount), nil
	}
	return domain.NewUnhandledEvent(ev.ID, string(ev.Type)), nil
}

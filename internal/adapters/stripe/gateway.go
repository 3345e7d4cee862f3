// Package stripe adapts Stripe Checkout to the gateway port.
package stripe

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"

	"github.com/robertarktes/vacation-rental-bookings/internal/domain"
	"github.com/robertarktes/vacation-rental-bookings/internal/gateway"
)

// MinSessionLifetime keeps a requested expiry above Stripe's 30 minute minimum
// once the request is in flight.
const MinSessionLifetime = 31 * time.Minute

type Gateway struct {
	api *client.API
}

// New builds a client with the SDK's own retries disabled; gateway.Retrying
// owns transport retries.
func New(secretKey string) *Gateway {
	backends := stripe.NewBackendsWithConfig(&stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(0),
	})
	return &Gateway{api: client.New(secretKey, backends)}
}

func (g *Gateway) CreateCheckoutSession(ctx context.Context, req gateway.CheckoutRequest) (*gateway.Session, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.ReservationID),
		ExpiresAt:         stripe.Int64(req.ExpiresAt.Unix()),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(req.Currency),
				UnitAmount: stripe.Int64(req.AmountMinorUnits),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(req.Description),
				},
			},
		}},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{"reservation_id": req.ReservationID},
		},
	}
	params.Context = ctx
	params.AddMetadata("reservation_id", req.ReservationID)
	params.SetIdempotencyKey(req.IdempotencyKey)

	s, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, classify(err, "create checkout session")
	}
	return &gateway.Session{ID: s.ID, URL: s.URL, ExpiresAt: unix(s.ExpiresAt)}, nil
}

func (g *Gateway) ExpireCheckoutSession(ctx context.Context, sessionID string) error {
	params := &stripe.CheckoutSessionExpireParams{}
	params.Context = ctx
	if _, err := g.api.CheckoutSessions.Expire(sessionID, params); err != nil {
		return classify(err, "expire checkout session")
	}
	return nil
}

func (g *Gateway) Refund(ctx context.Context, req gateway.RefundRequest) (*gateway.Refund, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.ChargeID),
		Amount:        stripe.Int64(req.AmountMinorUnits),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)

	r, err := g.api.Refunds.New(params)
	if err != nil {
		return nil, classify(err, "create refund")
	}
	return &gateway.Refund{ID: r.ID, AmountMinorUnits: r.Amount, Status: string(r.Status)}, nil
}

// classify marks server-side and network failures as transient. Client errors
// such as invalid requests or idempotency-key reuse are returned as is.
func classify(err error, op string) error {
	var serr *stripe.Error
	if errors.As(err, &serr) {
		if serr.HTTPStatusCode >= http.StatusInternalServerError ||
			serr.HTTPStatusCode == http.StatusTooManyRequests ||
			serr.Type == stripe.ErrorTypeAPI {
			return errors.Mark(errors.Wrap(err, op), domain.ErrGatewayTransient)
		}
		return errors.Wrapf(err, "%s: %s", op, serr.Code)
	}
	return errors.Mark(errors.Wrap(err, op), domain.ErrGatewayTransient)
}

func unix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

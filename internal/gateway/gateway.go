// Package gateway is the engine's view of an external hosted-checkout payment
// provider. Implementations live under internal/adapters.
package gateway

import (
	"context"
	"time"

	"github.com/robertarktes/vacation-rental-bookings/internal/domain"
)

type CheckoutRequest struct {
	// IdempotencyKey makes a repeated create return the original session.
	IdempotencyKey   string
	ReservationID    string
	Description      string
	AmountMinorUnits int64
	Currency         string
	SuccessURL       string
	CancelURL        string
	ExpiresAt        time.Time
}

type Session struct {
	ID        string
	URL       string
	ExpiresAt time.Time
}

type RefundRequest struct {
	IdempotencyKey   string
	ChargeID         string
	AmountMinorUnits int64
}

type Refund struct {
	ID               string
	AmountMinorUnits int64
	Status           string
}

// Gateway creates checkout sessions and refunds. Transient failures (timeouts,
// 5xx) are returned marked with domain.ErrGatewayTransient so callers can retry
// them under the same idempotency key.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*Session, error)
	ExpireCheckoutSession(ctx context.Context, sessionID string) error
	Refund(ctx context.Context, req RefundRequest) (*Refund, error)
}

// Verifier authenticates a raw webhook delivery and decodes it into a gateway
// event. A bad signature yields domain.ErrInvalidSignature.
type Verifier interface {
	Verify(payload []byte, signatureHeader string) (domain.GatewayEvent, error)
}

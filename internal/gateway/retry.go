package gateway

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/robertarktes/vacation-rental-bookings/internal/domain"
	"github.com/robertarktes/vacation-rental-bookings/internal/observability"
)

// Retrying wraps a Gateway with a per-attempt timeout and a bounded number of
// retries for transient failures. Every request it forwards carries an
// idempotency key, so a retry can never create a second session or refund.
type Retrying struct {
	next        Gateway
	logger      observability.Logger
	maxAttempts int
	timeout     time.Duration
	backoff     time.Duration
}

func NewRetrying(next Gateway, logger observability.Logger, maxAttempts int, timeout, backoff time.Duration) *Retrying {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Retrying{next: next, logger: logger, maxAttempts: maxAttempts, timeout: timeout, backoff: backoff}
}

func (g *Retrying) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*Session, error) {
	var s *Session
	err := g.do(ctx, "create_checkout_session", func(actx context.Context) error {
		var err error
		s, err = g.next.CreateCheckoutSession(actx, req)
		return err
	})
	return s, err
}

func (g *Retrying) ExpireCheckoutSession(ctx context.Context, sessionID string) error {
	return g.do(ctx, "expire_checkout_session", func(actx context.Context) error {
		return g.next.ExpireCheckoutSession(actx, sessionID)
	})
}

func (g *Retrying) Refund(ctx context.Context, req RefundRequest) (*Refund, error) {
	var r *Refund
	err := g.do(ctx, "refund", func(actx context.Context) error {
		var err error
		r, err = g.next.Refund(actx, req)
		return err
	})
	return r, err
}

func (g *Retrying) do(ctx context.Context, op string, call func(context.Context) error) error {
	ctx, span := observability.Tracer().Start(ctx, "gateway."+op)
	defer span.End()

	var lastErr error
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		err := g.attempt(ctx, call)
		if err == nil {
			span.SetAttributes(attribute.Int("gateway.attempts", attempt))
			return nil
		}
		lastErr = err
		if !errors.Is(err, domain.ErrGatewayTransient) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		if attempt == g.maxAttempts {
			break
		}

		observability.GatewayRetries.WithLabelValues(op).Inc()
		g.logger.WithError(err).WithFields(map[string]interface{}{
			"operation": op,
			"attempt":   attempt,
		}).Warn("transient gateway failure, retrying")

		select {
		case <-ctx.Done():
			return errors.Mark(errors.Wrap(ctx.Err(), op), domain.ErrPaymentGatewayUnavailable)
		case <-time.After(g.backoff * time.Duration(1<<(attempt-1))):
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "gateway unavailable")
	return errors.Mark(
		errors.Wrapf(lastErr, "%s failed after %d attempts", op, g.maxAttempts),
		domain.ErrPaymentGatewayUnavailable)
}

func (g *Retrying) attempt(ctx context.Context, call func(context.Context) error) error {
	actx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	err := call(actx)
	if err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return errors.Mark(err, domain.ErrGatewayTransient)
	}
	return err
}

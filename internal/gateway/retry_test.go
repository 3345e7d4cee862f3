package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertarktes/vacation-rental-bookings/internal/domain"
	"github.com/robertarktes/vacation-rental-bookings/internal/observability"
)

type flakyGateway struct {
	failures int
	err      error
	calls    int
	keys     []string
}

func (f *flakyGateway) CreateCheckoutSession(_ context.Context, req CheckoutRequest) (*Session, error) {
	f.calls++
	f.keys = append(f.keys, req.IdempotencyKey)
	if f.calls <= f.failures {
		return nil, f.err
	}
	return &Session{ID: "cs_1", URL: "https://pay.example/cs_1"}, nil
}

func (f *flakyGateway) ExpireCheckoutSession(context.Context, string) error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return nil
}

func (f *flakyGateway) Refund(_ context.Context, req RefundRequest) (*Refund, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return &Refund{ID: "re_1", AmountMinorUnits: req.AmountMinorUnits, Status: "pending"}, nil
}

func newRetrying(next Gateway, attempts int) *Retrying {
	return NewRetrying(next, observability.NewLogger(), attempts, time.Second, time.Millisecond)
}

func TestRetryingRecoversFromTransientFailures(t *testing.T) {
	f := &flakyGateway{failures: 2, err: errors.Mark(errors.New("502"), domain.ErrGatewayTransient)}
	g := newRetrying(f, 3)

	s, err := g.CreateCheckoutSession(context.Background(), CheckoutRequest{IdempotencyKey: "res-1"})
	require.NoError(t, err)
	assert.Equal(t, "cs_1", s.ID)
	assert.Equal(t, 3, f.calls)
	assert.Equal(t, []string{"res-1", "res-1", "res-1"}, f.keys)
}

func TestRetryingGivesUpAsUnavailable(t *testing.T) {
	f := &flakyGateway{failures: 10, err: errors.Mark(errors.New("503"), domain.ErrGatewayTransient)}
	g := newRetrying(f, 3)

	_, err := g.Refund(context.Background(), RefundRequest{IdempotencyKey: "refund:p1", AmountMinorUnits: 100})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrPaymentGatewayUnavailable))
	assert.Equal(t, 3, f.calls)
}

func TestRetryingDoesNotRetryPermanentErrors(t *testing.T) {
	f := &flakyGateway{failures: 10, err: errors.New("card declined")}
	g := newRetrying(f, 3)

	err := g.ExpireCheckoutSession(context.Background(), "cs_1")
	require.Error(t, err)
	assert.False(t, errors.Is(err, domain.ErrPaymentGatewayUnavailable))
	assert.Equal(t, 1, f.calls)
}

type slowGateway struct {
	flakyGateway
}

func (s *slowGateway) CreateCheckoutSession(ctx context.Context, _ CheckoutRequest) (*Session, error) {
	s.calls++
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRetryingTimesOutEachAttempt(t *testing.T) {
	s := &slowGateway{}
	g := NewRetrying(s, observability.NewLogger(), 2, 10*time.Millisecond, time.Millisecond)

	_, err := g.CreateCheckoutSession(context.Background(), CheckoutRequest{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrPaymentGatewayUnavailable))
	assert.Equal(t, 2, s.calls)
}

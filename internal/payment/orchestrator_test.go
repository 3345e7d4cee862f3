package payment_test

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertarktes/vacation-rental-bookings/internal/adapters/memstore"
	"github.com/robertarktes/vacation-rental-bookings/internal/adapters/sandbox"
	"github.com/robertarktes/vacation-rental-bookings/internal/adapters/stripe"
	"github.com/robertarktes/vacation-rental-bookings/internal/availability"
	"github.com/robertarktes/vacation-rental-bookings/internal/domain"
	"github.com/robertarktes/vacation-rental-bookings/internal/observability"
	"github.com/robertarktes/vacation-rental-bookings/internal/payment"
	"github.com/robertarktes/vacation-rental-bookings/internal/pricing"
	"github.com/robertarktes/vacation-rental-bookings/internal/reservation"
	"github.com/robertarktes/vacation-rental-bookings/internal/webhook"
)

const webhookSecret = "whsec_test"

var guest = domain.Actor{SubjectID: "guest-1"}

type harness struct {
	now     time.Time
	gwNow   time.Time
	store   *memstore.Store
	ledger  *availability.Ledger
	manager *reservation.Manager
	gw      *sandbox.Gateway
	orch    *payment.Orchestrator
	webhook *webhook.Processor
}

func newHarness(t *testing.T, now time.Time) *harness {
	t.Helper()
	logger := observability.NewLogger()
	h := &harness{now: now, gwNow: now, store: memstore.New()}

	h.ledger = availability.NewLedger(h.store, logger)
	quoter := pricing.NewStatic(pricing.Property{ID: "main", Currency: "usd", MaxGuests: 6, MinNights: 2, NightlyRate: 10000})
	h.manager = reservation.NewManager(h.store, h.ledger, quoter, h.store, logger, 24*time.Hour,
		reservation.WithClock(func() time.Time { return h.now }),
		reservation.WithRetryBackoff(time.Millisecond))

	h.gw = sandbox.New(webhookSecret, "http://localhost:8080")
	h.gw.SetClock(func() time.Time { return h.gwNow })

	h.orch = payment.NewOrchestrator(h.store, h.manager, h.gw, logger, payment.Config{
		SessionTTL:  30 * time.Minute,
		MaxAttempts: 3,
		SuccessURL:  "http://localhost/success",
		CancelURL:   "http://localhost/cancel",
	})
	h.webhook = webhook.NewProcessor(stripe.NewVerifier(webhookSecret), h.store, h.orch, nil, logger, 5*time.Second, 90*24*time.Hour)
	return h
}

func date(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := domain.ParseDate(s)
	require.NoError(t, err)
	return d
}

func (h *harness) reserve(t *testing.T, in, out string) domain.Reservation {
	t.Helper()
	r, err := h.manager.Create(context.Background(), guest.SubjectID, date(t, in), date(t, out), 2)
	require.NoError(t, err)
	return r
}

func (h *harness) deliver(t *testing.T, d sandbox.Delivery) webhook.Result {
	t.Helper()
	res, err := h.webhook.Handle(context.Background(), d.Payload, d.Signature)
	require.NoError(t, err)
	return res
}

func (h *harness) pay(t *testing.T, r domain.Reservation) payment.Checkout {
	t.Helper()
	c, err := h.orch.CreateCheckoutSession(context.Background(), guest, r.ID, "", "")
	require.NoError(t, err)
	d, err := h.gw.Pay(c.SessionID)
	require.NoError(t, err)
	res := h.deliver(t, d)
	require.Equal(t, domain.OutcomeApplied, res.Outcome)
	return c
}

func (h *harness) dayStatuses(t *testing.T, r domain.Reservation) []domain.DayStatus {
	t.Helper()
	days, err := h.store.Days(context.Background(), r.Stay())
	require.NoError(t, err)
	out := make([]domain.DayStatus, len(days))
	for i, d := range days {
		out[i] = d.Status
	}
	return out
}

func TestCreateCheckoutSession_ReturnsLiveSessionOnRepeat(t *testing.T) {
	h := newHarness(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	r := h.reserve(t, "2025-07-10", "2025-07-13")

	first, err := h.orch.CreateCheckoutSession(context.Background(), guest, r.ID, "", "")
	require.NoError(t, err)
	again, err := h.orch.CreateCheckoutSession(context.Background(), guest, r.ID, "", "")
	require.NoError(t, err)

	assert.Equal(t, first.SessionID, again.SessionID)
	assert.Equal(t, first.PaymentID, again.PaymentID)
	assert.Equal(t, int64(30000), first.AmountMinor)
	assert.Equal(t, "usd", first.Currency)
	assert.Equal(t, h.now.Add(30*time.Minute), first.ExpiresAt)

	payments, err := h.store.ListPayments(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 1)
}

func TestCreateCheckoutSession_RejectsOtherGuests(t *testing.T) {
	h := newHarness(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	r := h.reserve(t, "2025-07-10", "2025-07-13")

	_, err := h.orch.CreateCheckoutSession(context.Background(), domain.Actor{SubjectID: "intruder"}, r.ID, "", "")
	assert.True(t, errors.Is(err, domain.ErrForbidden))
}

func TestCreateCheckoutSession_RejectsPaidReservation(t *testing.T) {
	h := newHarness(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	r := h.reserve(t, "2025-07-10", "2025-07-13")
	h.pay(t, r)

	_, err := h.orch.CreateCheckoutSession(context.Background(), guest, r.ID, "", "")
	assert.True(t, errors.Is(err, domain.ErrAlreadyPaid))
	_, err = h.orch.Retry(context.Background(), guest, r.ID, "", "")
	assert.True(t, errors.Is(err, domain.ErrAlreadyPaid))
}

func TestCreateCheckoutSession_ResumesAfterGatewayOutage(t *testing.T) {
	h := newHarness(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	r := h.reserve(t, "2025-07-10", "2025-07-13")

	h.gw.FailNext(1)
	_, err := h.orch.CreateCheckoutSession(context.Background(), guest, r.ID, "", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrGatewayTransient))

	open, err := h.store.OpenPayment(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPending, open.Status)

	c, err := h.orch.CreateCheckoutSession(context.Background(), guest, r.ID, "", "")
	require.NoError(t, err)
	assert.Equal(t, open.ID, c.PaymentID)
	assert.NotEmpty(t, c.SessionID)
}

func TestCreateCheckoutSession_ReplayAfterLostResponseGetsSameSession(t *testing.T) {
	h := newHarness(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	r := h.reserve(t, "2025-07-10", "2025-07-13")

	h.gw.LoseNextSessionResponses(1)
	_, err := h.orch.CreateCheckoutSession(context.Background(), guest, r.ID, "", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrGatewayTransient))

	h.now = h.now.Add(2 * time.Minute)
	c, err := h.orch.CreateCheckoutSession(context.Background(), guest, r.ID, "", "")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC), c.ExpiresAt)

	view, err := h.gw.Session(c.SessionID)
	require.NoError(t, err)
	assert.Equal(t, r.ID.String(), view.ReservationID)
	assert.Equal(t, c.ExpiresAt, view.ExpiresAt)
}

func TestCreateCheckoutSession_LapsedFirstAttemptPointsToRetry(t *testing.T) {
	h := newHarness(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	r := h.reserve(t, "2025-07-10", "2025-07-13")

	h.gw.FailNext(1)
	_, err := h.orch.CreateCheckoutSession(context.Background(), guest, r.ID, "", "")
	require.Error(t, err)

	h.now = h.now.Add(45 * time.Minute)
	_, err = h.orch.CreateCheckoutSession(context.Background(), guest, r.ID, "", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrConflict))
	assert.NotEmpty(t, errors.GetAllHints(err))

	c, err := h.orch.Retry(context.Background(), guest, r.ID, "", "")
	require.NoError(t, err)
	assert.Equal(t, 1, c.AttemptCount)
	assert.Equal(t, h.now.Add(30*time.Minute), c.ExpiresAt)
}

func TestRetry_ReplayAfterLostResponseGetsSameSession(t *testing.T) {
	h := newHarness(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	r := h.reserve(t, "2025-07-10", "2025-07-13")
	first, err := h.orch.CreateCheckoutSession(context.Background(), guest, r.ID, "", "")
	require.NoError(t, err)

	h.now = h.now.Add(5 * time.Minute)
	h.gw.LoseNextSessionResponses(1)
	_, err = h.orch.Retry(context.Background(), guest, r.ID, "", "")
	require.Error(t, err)

	h.now = h.now.Add(time.Minute)
	c, err := h.orch.Retry(context.Background(), guest, r.ID, "", "")
	require.NoError(t, err)
	assert.Equal(t, 1, c.AttemptCount)
	assert.NotEqual(t, first.SessionID, c.SessionID)
	assert.Equal(t, time.Date(2025, 6, 1, 12, 35, 0, 0, time.UTC), c.ExpiresAt)

	next, err := h.orch.Retry(context.Background(), guest, r.ID, "", "")
	require.NoError(t, err)
	assert.Equal(t, 2, next.AttemptCount)
}

func TestRetry_LapsedPlanUsesUpItsAttempt(t *testing.T) {
	h := newHarness(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	r := h.reserve(t, "2025-07-10", "2025-07-13")
	_, err := h.orch.CreateCheckoutSession(context.Background(), guest, r.ID, "", "")
	require.NoError(t, err)

	h.gw.FailNext(1)
	_, err = h.orch.Retry(context.Background(), guest, r.ID, "", "")
	require.Error(t, err)

	h.now = h.now.Add(time.Hour)
	c, err := h.orch.Retry(context.Background(), guest, r.ID, "", "")
	require.NoError(t, err)
	assert.Equal(t, 2, c.AttemptCount)

	c, err = h.orch.Retry(context.Background(), guest, r.ID, "", "")
	require.NoError(t, err)
	assert.Equal(t, 3, c.AttemptCount)
	_, err = h.orch.Retry(context.Background(), guest, r.ID, "", "")
	assert.True(t, errors.Is(err, domain.ErrMaxRetriesExceeded))
}

func TestRetry_FourthCallExceedsAttemptCap(t *testing.T) {
	h := newHarness(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	r := h.reserve(t, "2025-07-10", "2025-07-13")

	first, err := h.orch.CreateCheckoutSession(context.Background(), guest, r.ID, "", "")
	require.NoError(t, err)

	seen := map[string]bool{first.SessionID: true}
	for i := 1; i <= 3; i++ {
		c, err := h.orch.Retry(context.Background(), guest, r.ID, "", "")
		require.NoError(t, err, "retry %d", i)
		assert.False(t, seen[c.SessionID], "retry %d reused a session", i)
		assert.Equal(t, i, c.AttemptCount)
		seen[c.SessionID] = true
	}

	_, err = h.orch.Retry(context.Background(), guest, r.ID, "", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrMaxRetriesExceeded))
	assert.NotEmpty(t, errors.GetAllHints(err))

	got, err := h.manager.Get(context.Background(), r.ID, guest)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationPendingPayment, got.Status)
	assert.Equal(t, r.HoldExpiresAt, got.HoldExpiresAt)
}

func TestRetry_ExpiredHoldIsRejected(t *testing.T) {
	h := newHarness(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	r := h.reserve(t, "2025-07-10", "2025-07-13")
	_, err := h.orch.CreateCheckoutSession(context.Background(), guest, r.ID, "", "")
	require.NoError(t, err)

	h.now = h.now.Add(25 * time.Hour)
	_, err = h.orch.Retry(context.Background(), guest, r.ID, "", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrHoldExpired))
}

func TestRetry_OldSessionStillResolves(t *testing.T) {
	h := newHarness(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	r := h.reserve(t, "2025-07-10", "2025-07-13")
	first, err := h.orch.CreateCheckoutSession(context.Background(), guest, r.ID, "", "")
	require.NoError(t, err)
	second, err := h.orch.Retry(context.Background(), guest, r.ID, "", "")
	require.NoError(t, err)

	byOld, err := h.store.PaymentBySession(context.Background(), first.SessionID)
	require.NoError(t, err)
	byNew, err := h.store.PaymentBySession(context.Background(), second.SessionID)
	require.NoError(t, err)
	assert.Equal(t, byOld.ID, byNew.ID)

	_, err = h.gw.Pay(first.SessionID)
	assert.Error(t, err, "superseded session is expired at the gateway")
}

func TestCheckoutFailed_MarksPaymentFailedAndRetryRevivesIt(t *testing.T) {
	h := newHarness(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	r := h.reserve(t, "2025-07-10", "2025-07-13")
	c, err := h.orch.CreateCheckoutSession(context.Background(), guest, r.ID, "", "")
	require.NoError(t, err)

	d, err := h.gw.Abandon(c.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, h.deliver(t, d).Outcome)

	p, err := h.store.GetPayment(context.Background(), c.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentFailed, p.Status)

	next, err := h.orch.Retry(context.Background(), guest, r.ID, "", "")
	require.NoError(t, err)
	p, err = h.store.GetPayment(context.Background(), next.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPending, p.Status)
	assert.Equal(t, next.SessionID, p.GatewaySessionID)
}

func TestCancelConfirmedTenDaysOut_RefundsHalf(t *testing.T) {
	h := newHarness(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	r := h.reserve(t, "2025-07-10", "2025-07-13")
	c := h.pay(t, r)

	h.now = time.Date(2025, 6, 30, 9, 0, 0, 0, time.UTC)
	out, err := h.orch.CancelReservation(context.Background(), guest, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationCancelled, out.Reservation.Status)
	assert.Equal(t, 0.5, out.RefundFraction)
	require.NotNil(t, out.Refund)
	assert.Equal(t, int64(15000), out.Refund.AmountMinor)
	assert.Equal(t, payment.RefundStatusPending, out.Refund.Status)

	p, err := h.store.GetPayment(context.Background(), c.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentCompleted, p.Status, "refunded only once the webhook arrives")

	d, err := h.gw.SettleRefund(out.Refund.RefundID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, h.deliver(t, d).Outcome)

	p, err = h.store.GetPayment(context.Background(), c.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentRefunded, p.Status)
	assert.Equal(t, int64(15000), p.RefundAmountMinor)
	assert.Equal(t, []domain.DayStatus{domain.DayOpen, domain.DayOpen, domain.DayOpen}, h.dayStatuses(t, r))

	res, err := h.webhook.Handle(context.Background(), d.Payload, d.Signature)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeDuplicate, res.Outcome)
}

func TestCancelInsideSevenDays_NoRefund(t *testing.T) {
	h := newHarness(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	r := h.reserve(t, "2025-07-10", "2025-07-13")
	h.pay(t, r)

	h.now = time.Date(2025, 7, 5, 9, 0, 0, 0, time.UTC)
	out, err := h.orch.CancelReservation(context.Background(), guest, r.ID)
	require.NoError(t, err)
	require.NotNil(t, out.Refund)
	assert.Equal(t, payment.RefundStatusNone, out.Refund.Status)
	assert.Zero(t, out.Refund.AmountMinor)
}

func TestRefund_Rejections(t *testing.T) {
	h := newHarness(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	r := h.reserve(t, "2025-07-10", "2025-07-13")
	c, err := h.orch.CreateCheckoutSession(context.Background(), guest, r.ID, "", "")
	require.NoError(t, err)

	_, err = h.orch.Refund(context.Background(), c.PaymentID, 1)
	assert.True(t, errors.Is(err, domain.ErrRefundNotAllowed), "pending payment")

	d, err := h.gw.Pay(c.SessionID)
	require.NoError(t, err)
	h.deliver(t, d)

	_, err = h.orch.RefundAmount(context.Background(), guest, c.PaymentID, 100)
	assert.True(t, errors.Is(err, domain.ErrForbidden))
	_, err = h.orch.RefundAmount(context.Background(), domain.SystemActor, c.PaymentID, 30001)
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))

	first, err := h.orch.RefundAmount(context.Background(), domain.SystemActor, c.PaymentID, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), first.AmountMinor)

	_, err = h.orch.Refund(context.Background(), c.PaymentID, 1)
	assert.True(t, errors.Is(err, domain.ErrRefundNotAllowed), "refund already requested")

	_, err = h.orch.Refund(context.Background(), uuid.New(), 1)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestLatePayment_OnExpiredReservationIsRefundedInFull(t *testing.T) {
	h := newHarness(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	r := h.reserve(t, "2025-07-10", "2025-07-13")
	c, err := h.orch.CreateCheckoutSession(context.Background(), guest, r.ID, "", "")
	require.NoError(t, err)

	h.now = h.now.Add(25 * time.Hour)
	n, err := h.manager.ExpireStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	d, err := h.gw.Pay(c.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, h.deliver(t, d).Outcome)

	got, err := h.manager.Lookup(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationExpired, got.Status)

	p, err := h.store.GetPayment(context.Background(), c.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentCompleted, p.Status)
	assert.NotEmpty(t, p.RefundID)
	assert.Equal(t, int64(30000), p.RefundAmountMinor)
	assert.Equal(t, []domain.DayStatus{domain.DayOpen, domain.DayOpen, domain.DayOpen}, h.dayStatuses(t, r))
}

func TestStatus_PrefersSettledPayment(t *testing.T) {
	h := newHarness(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	r := h.reserve(t, "2025-07-10", "2025-07-13")
	c := h.pay(t, r)

	view, err := h.orch.Status(context.Background(), guest, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationConfirmed, view.Reservation.Status)
	require.NotNil(t, view.Payment)
	assert.Equal(t, c.PaymentID, view.Payment.ID)
	assert.Equal(t, domain.PaymentCompleted, view.Payment.Status)
}

func TestStatus_ListsSessionHistory(t *testing.T) {
	h := newHarness(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	r := h.reserve(t, "2025-07-10", "2025-07-13")
	first, err := h.orch.CreateCheckoutSession(context.Background(), guest, r.ID, "", "")
	require.NoError(t, err)
	retried, err := h.orch.Retry(context.Background(), guest, r.ID, "", "")
	require.NoError(t, err)

	view, err := h.orch.Status(context.Background(), guest, r.ID)
	require.NoError(t, err)
	require.Len(t, view.Sessions, 2)
	assert.Equal(t, first.SessionID, view.Sessions[0].SessionID)
	assert.Equal(t, 0, view.Sessions[0].Attempt)
	assert.Equal(t, retried.SessionID, view.Sessions[1].SessionID)
	assert.Equal(t, 1, view.Sessions[1].Attempt)
}

func TestCheckoutCompletedDeliveredTwice(t *testing.T) {
	h := newHarness(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	r := h.reserve(t, "2025-07-10", "2025-07-13")
	c, err := h.orch.CreateCheckoutSession(context.Background(), guest, r.ID, "", "")
	require.NoError(t, err)

	d, err := h.gw.Pay(c.SessionID)
	require.NoError(t, err)
	first := h.deliver(t, d)
	second := h.deliver(t, d)
	assert.Equal(t, domain.OutcomeApplied, first.Outcome)
	assert.Equal(t, domain.OutcomeDuplicate, second.Outcome)

	payments, err := h.store.ListPayments(context.Background(), r.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, domain.PaymentCompleted, payments[0].Status)
	assert.NotNil(t, payments[0].CompletedAt)

	got, err := h.manager.Lookup(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationConfirmed, got.Status)
	assert.Equal(t, []domain.DayStatus{domain.DayBooked, domain.DayBooked, domain.DayBooked}, h.dayStatuses(t, r))

	events, err := h.store.GetUnpublishedOutbox(context.Background(), 100)
	require.NoError(t, err)
	completions := 0
	for _, e := range events {
		if e.EventType == "payment.completed" {
			completions++
		}
	}
	assert.Equal(t, 1, completions)
}

func TestCheckoutCompleted_SameEventUnderNewIDIsDuplicate(t *testing.T) {
	h := newHarness(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	r := h.reserve(t, "2025-07-10", "2025-07-13")
	c := h.pay(t, r)

	p, err := h.store.GetPayment(context.Background(), c.PaymentID)
	require.NoError(t, err)
	outcome, err := h.orch.ApplyCheckoutCompleted(context.Background(),
		domain.NewCheckoutCompleted("evt_redelivered", c.SessionID, r.ID.String(), p.GatewayChargeID, 30000))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeDuplicate, outcome)
}

func TestCheckoutCompleted_UnknownSessionIsRetryable(t *testing.T) {
	h := newHarness(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	_, err := h.orch.ApplyCheckoutCompleted(context.Background(),
		domain.NewCheckoutCompleted("evt_1", "cs_unknown", "", "pi_1", 100))
	assert.True(t, errors.Is(err, domain.ErrRetryable))
}

package crdb_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/robertarktes/vacation-rental-bookings/internal/adapters/crdb"
	"github.com/robertarktes/vacation-rental-bookings/internal/availability"
	"github.com/robertarktes/vacation-rental-bookings/internal/domain"
	"github.com/robertarktes/vacation-rental-bookings/internal/observability"
)

func startRepo(t *testing.T) *crdb.Repository {
	t.Helper()
	if testing.Short() {
		t.Skip("cockroachdb container test")
	}
	ctx := context.Background()

	crdbContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "cockroachdb/cockroach:v24.1.1",
			Cmd:          []string{"start-single-node", "--insecure"},
			ExposedPorts: []string{"26257/tcp", "8080/tcp"},
			WaitingFor:   wait.ForHTTP("/health?ready=1").WithPort("8080"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { crdbContainer.Terminate(ctx) })

	endpoint, err := crdbContainer.Endpoint(ctx, "postgresql")
	require.NoError(t, err)

	admin, err := pgxpool.New(ctx, endpoint+"/defaultdb?sslmode=disable&user=root")
	require.NoError(t, err)
	_, err = admin.Exec(ctx, `CREATE DATABASE IF NOT EXISTS rental`)
	admin.Close()
	require.NoError(t, err)

	pool, err := crdb.Connect(ctx, endpoint+"/rental?sslmode=disable&user=root")
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	repo := crdb.NewRepository(pool)
	require.NoError(t, repo.Migrate(ctx))
	require.NoError(t, repo.Migrate(ctx), "migration is idempotent")
	return repo
}

func reservationFor(t *testing.T, in, out string) domain.Reservation {
	t.Helper()
	a, err := domain.ParseDate(in)
	require.NoError(t, err)
	b, err := domain.ParseDate(out)
	require.NoError(t, err)
	stay, err := domain.NewDateRange(a, b)
	require.NoError(t, err)
	return domain.NewReservation("guest-1", stay, 2, 30000, "usd", time.Now().UTC().Truncate(time.Microsecond), 24*time.Hour)
}

func TestRepository_HoldIsExclusive(t *testing.T) {
	repo := startRepo(t)
	ctx := context.Background()
	ledger := availability.NewLedger(repo, observability.NewLogger())
	stay := reservationFor(t, "2025-07-10", "2025-07-13").Stay()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := ledger.Hold(ctx, stay, uuid.New())
			if err == nil {
				mu.Lock()
				won++
				mu.Unlock()
				return
			}
			assert.True(t, errors.Is(err, domain.ErrDatesUnavailable), "%v", err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, won)

	days, err := repo.Days(ctx, stay)
	require.NoError(t, err)
	require.Len(t, days, 3)
	for _, d := range days {
		assert.Equal(t, domain.DayHeld, d.Status)
	}
}

func TestRepository_ReservationAndPaymentLifecycle(t *testing.T) {
	repo := startRepo(t)
	ctx := context.Background()

	r := reservationFor(t, "2025-08-01", "2025-08-04")
	evt := domain.NewOutboxEvent("reservation", r.ID, "reservation.created", map[string]string{"id": r.ID.String()}, time.Now())
	require.NoError(t, repo.CreateReservation(ctx, r, &evt))

	got, err := repo.GetReservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.CheckIn, got.CheckIn)
	assert.Equal(t, domain.ReservationPendingPayment, got.Status)

	p := domain.NewPayment(r, time.Now().UTC())
	created, err := repo.CreatePayment(ctx, p)
	require.NoError(t, err)
	require.True(t, created)
	created, err = repo.CreatePayment(ctx, domain.NewPayment(r, time.Now().UTC()))
	require.NoError(t, err)
	assert.False(t, created, "one open payment per reservation")

	cs := domain.CheckoutSession{SessionID: "cs_1", PaymentID: p.ID, URL: "https://pay/cs_1", ExpiresAt: time.Now().Add(30 * time.Minute), CreatedAt: time.Now()}
	ok, err := repo.AttachSession(ctx, p.ID, 0, 0, cs)
	require.NoError(t, err)
	require.True(t, ok)
	planned := time.Now().Add(30 * time.Minute).Truncate(time.Second).UTC()
	ok, err = repo.PlanSession(ctx, p.ID, 0, 1, planned)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = repo.PlanSession(ctx, p.ID, 0, 1, planned.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "attempt already planned")
	withPlan, err := repo.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, withPlan.PlannedAttempt)
	require.NotNil(t, withPlan.PlannedExpiresAt)
	assert.True(t, planned.Equal(*withPlan.PlannedExpiresAt))

	cs2 := cs
	cs2.SessionID, cs2.Attempt = "cs_2", 1
	ok, err = repo.AttachSession(ctx, p.ID, 0, 1, cs2)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = repo.AttachSession(ctx, p.ID, 0, 1, cs2)
	require.NoError(t, err)
	assert.False(t, ok, "attempt count moved on")

	bySession, err := repo.PaymentBySession(ctx, "cs_1")
	require.NoError(t, err)
	assert.Equal(t, p.ID, bySession.ID)
	assert.Equal(t, "cs_2", bySession.GatewaySessionID)

	sessions, err := repo.ListSessions(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "cs_1", sessions[0].SessionID)
	assert.Equal(t, 1, sessions[1].Attempt)

	ok, err = repo.MarkPaymentFailed(ctx, p.ID, "cs_1", nil)
	require.NoError(t, err)
	assert.False(t, ok, "superseded session cannot fail the payment")

	done := domain.NewOutboxEvent("payment", p.ID, "payment.completed", map[string]string{}, time.Now())
	ok, err = repo.MarkPaymentCompleted(ctx, p.ID, "pi_1", time.Now(), &done)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = repo.MarkPaymentCompleted(ctx, p.ID, "pi_1", time.Now(), &done)
	require.NoError(t, err)
	assert.False(t, ok)

	created, err = repo.CreatePayment(ctx, domain.NewPayment(r, time.Now().UTC()))
	require.NoError(t, err)
	assert.False(t, created, "settled reservations take no new payment")

	ok, err = repo.RecordRefund(ctx, p.ID, "re_1", 15000)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = repo.RecordRefund(ctx, p.ID, "re_2", 15000)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.MarkPaymentRefunded(ctx, p.ID, "re_1", 15000, nil)
	require.NoError(t, err)
	require.True(t, ok)

	byCharge, err := repo.PaymentByCharge(ctx, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentRefunded, byCharge.Status)
	assert.Equal(t, int64(15000), byCharge.RefundAmountMinor)

	events, err := repo.GetUnpublishedOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, events, 2)
	require.NoError(t, repo.MarkPublished(ctx, events[0].ID, time.Now()))
	assert.True(t, errors.Is(repo.MarkPublished(ctx, events[0].ID, time.Now()), domain.ErrNotFound))
}

func TestRepository_TransitionAndStaleSweep(t *testing.T) {
	repo := startRepo(t)
	ctx := context.Background()

	r := reservationFor(t, "2025-09-01", "2025-09-03")
	require.NoError(t, repo.CreateReservation(ctx, r, nil))

	stale, err := repo.ListStaleReservations(ctx, r.HoldExpiresAt.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	pending := []domain.ReservationStatus{domain.ReservationPendingPayment}
	ok, err := repo.TransitionReservation(ctx, r.ID, pending, domain.ReservationConfirmed, time.Now(), nil)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = repo.TransitionReservation(ctx, r.ID, pending, domain.ReservationExpired, time.Now(), nil)
	require.NoError(t, err)
	assert.False(t, ok, "confirmed reservations are not expired")

	_, err = repo.TransitionReservation(ctx, uuid.New(), pending, domain.ReservationExpired, time.Now(), nil)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestRepository_WebhookEvents(t *testing.T) {
	repo := startRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := domain.WebhookEventRecord{EventID: "evt_1", EventType: "checkout_completed", ReceivedAt: now, Outcome: domain.OutcomeError, ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, repo.RecordWebhookEvent(ctx, rec))
	rec.Outcome = domain.OutcomeApplied
	require.NoError(t, repo.RecordWebhookEvent(ctx, rec))
	rec.Outcome = domain.OutcomeDuplicate
	require.NoError(t, repo.RecordWebhookEvent(ctx, rec))

	got, err := repo.GetWebhookEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, got.Outcome)

	n, err := repo.PruneWebhookEvents(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = repo.GetWebhookEvent(ctx, "evt_1")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

package reservation_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertarktes/vacation-rental-bookings/internal/adapters/memstore"
	"github.com/robertarktes/vacation-rental-bookings/internal/availability"
	"github.com/robertarktes/vacation-rental-bookings/internal/domain"
	"github.com/robertarktes/vacation-rental-bookings/internal/observability"
	"github.com/robertarktes/vacation-rental-bookings/internal/pricing"
	"github.com/robertarktes/vacation-rental-bookings/internal/reservation"
)

type fixture struct {
	now     time.Time
	store   *memstore.Store
	manager *reservation.Manager
}

func newFixture(now time.Time) *fixture {
	f := &fixture{now: now, store: memstore.New()}
	logger := observability.NewLogger()
	quoter := pricing.NewStatic(pricing.Property{ID: "main", Currency: "usd", MaxGuests: 4, MinNights: 2, NightlyRate: 10000})
	f.manager = reservation.NewManager(f.store, availability.NewLedger(f.store, logger), quoter, f.store, logger, 24*time.Hour,
		reservation.WithClock(func() time.Time { return f.now }),
		reservation.WithRetryBackoff(time.Millisecond))
	return f
}

func day(s string) time.Time {
	d, _ := domain.ParseDate(s)
	return d
}

var owner = domain.Actor{SubjectID: "guest-1"}

func (f *fixture) statuses(t *testing.T, r domain.Reservation) []domain.DayStatus {
	t.Helper()
	days, err := f.store.Days(context.Background(), r.Stay())
	require.NoError(t, err)
	out := make([]domain.DayStatus, len(days))
	for i, d := range days {
		out[i] = d.Status
	}
	return out
}

func repeat(s domain.DayStatus, n int) []domain.DayStatus {
	out := make([]domain.DayStatus, n)
	for i := range out {
		out[i] = s
	}
	return out
}

func TestCreate_HoldsDatesAndPrices(t *testing.T) {
	f := newFixture(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	r, err := f.manager.Create(context.Background(), "guest-1", day("2025-07-10"), day("2025-07-13"), 2)
	require.NoError(t, err)

	assert.Equal(t, domain.ReservationPendingPayment, r.Status)
	assert.Equal(t, int64(30000), r.TotalAmountMinor)
	assert.Equal(t, f.now.Add(24*time.Hour), r.HoldExpiresAt)
	assert.Equal(t, repeat(domain.DayHeld, 3), f.statuses(t, r))
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	ctx := context.Background()

	_, err := f.manager.Create(ctx, "guest-1", day("2025-07-13"), day("2025-07-10"), 2)
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))

	_, err = f.manager.Create(ctx, "guest-1", day("2025-07-10"), day("2025-07-11"), 2)
	assert.True(t, errors.Is(err, domain.ErrMinimumStayNotMet))

	_, err = f.manager.Create(ctx, "guest-1", day("2025-07-10"), day("2025-07-13"), 5)
	assert.True(t, errors.Is(err, domain.ErrMaxGuestsExceeded))

	_, err = f.manager.Create(ctx, "guest-1", day("2025-05-10"), day("2025-05-13"), 2)
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))

	_, err = f.manager.Create(ctx, "", day("2025-07-10"), day("2025-07-13"), 2)
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestCreate_ConcurrentOverlapsAdmitOne(t *testing.T) {
	f := newFixture(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			in := day("2025-07-10").AddDate(0, 0, i%3)
			_, errs[i] = f.manager.Create(context.Background(), "guest-1", in, in.AddDate(0, 0, 3), 2)
		}()
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.True(t, errors.Is(err, domain.ErrDatesUnavailable), "%v", err)
		assert.NotEmpty(t, domain.ConflictingDates(err))
	}
	assert.Equal(t, 1, ok)
}

func TestConfirm_IsIdempotent(t *testing.T) {
	f := newFixture(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	r, err := f.manager.Create(context.Background(), "guest-1", day("2025-07-10"), day("2025-07-13"), 2)
	require.NoError(t, err)

	got, err := f.manager.Confirm(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationConfirmed, got.Status)

	got, err = f.manager.Confirm(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationConfirmed, got.Status)
	assert.Equal(t, repeat(domain.DayBooked, 3), f.statuses(t, r))
}

func TestExpireStale_ReclaimsLapsedHolds(t *testing.T) {
	f := newFixture(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	ctx := context.Background()
	stale, err := f.manager.Create(ctx, "guest-1", day("2025-07-10"), day("2025-07-13"), 2)
	require.NoError(t, err)

	f.now = f.now.Add(12 * time.Hour)
	fresh, err := f.manager.Create(ctx, "guest-2", day("2025-08-10"), day("2025-08-13"), 2)
	require.NoError(t, err)

	f.now = f.now.Add(13 * time.Hour)
	n, err := f.manager.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.manager.Lookup(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationExpired, got.Status)
	assert.Equal(t, repeat(domain.DayOpen, 3), f.statuses(t, stale))
	assert.Equal(t, repeat(domain.DayHeld, 3), f.statuses(t, fresh))

	_, err = f.manager.Confirm(ctx, stale.ID)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition), "expired reservations cannot be confirmed")

	n, err = f.manager.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGet_LazilyExpires(t *testing.T) {
	f := newFixture(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	r, err := f.manager.Create(context.Background(), "guest-1", day("2025-07-10"), day("2025-07-13"), 2)
	require.NoError(t, err)

	_, err = f.manager.Get(context.Background(), r.ID, domain.Actor{SubjectID: "guest-2"})
	assert.True(t, errors.Is(err, domain.ErrForbidden))

	f.now = f.now.Add(24 * time.Hour)
	got, err := f.manager.Get(context.Background(), r.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationExpired, got.Status)
	assert.Equal(t, repeat(domain.DayOpen, 3), f.statuses(t, r))
}

func TestCancel(t *testing.T) {
	f := newFixture(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	ctx := context.Background()
	r, err := f.manager.Create(ctx, "guest-1", day("2025-07-10"), day("2025-07-13"), 2)
	require.NoError(t, err)

	_, err = f.manager.Cancel(ctx, r.ID, domain.Actor{SubjectID: "guest-2"})
	assert.True(t, errors.Is(err, domain.ErrForbidden))

	res, err := f.manager.Cancel(ctx, r.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationPendingPayment, res.PreviousStatus)
	assert.Equal(t, domain.ReservationCancelled, res.Reservation.Status)
	assert.False(t, res.HasPayment)
	assert.Zero(t, res.RefundFraction)
	assert.Equal(t, repeat(domain.DayOpen, 3), f.statuses(t, r))

	_, err = f.manager.Cancel(ctx, r.ID, owner)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
}

func TestModify(t *testing.T) {
	f := newFixture(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	ctx := context.Background()
	r, err := f.manager.Create(ctx, "guest-1", day("2025-07-10"), day("2025-07-13"), 2)
	require.NoError(t, err)
	blocker, err := f.manager.Create(ctx, "guest-2", day("2025-07-15"), day("2025-07-17"), 2)
	require.NoError(t, err)

	_, err = f.manager.Modify(ctx, r.ID, owner, day("2025-07-11"), day("2025-07-16"), 2)
	assert.True(t, errors.Is(err, domain.ErrDatesUnavailable))
	assert.Equal(t, repeat(domain.DayHeld, 3), f.statuses(t, r), "original stay untouched")
	days, err := f.store.Days(ctx, domain.DateRange{CheckIn: day("2025-07-13"), CheckOut: day("2025-07-15")})
	require.NoError(t, err)
	for _, d := range days {
		assert.Equal(t, domain.DayOpen, d.Status, "added days rolled back")
	}

	updated, err := f.manager.Modify(ctx, r.ID, owner, day("2025-07-11"), day("2025-07-15"), 3)
	require.NoError(t, err)
	assert.Equal(t, int64(40000), updated.TotalAmountMinor)
	assert.Equal(t, 3, updated.GuestCount)
	assert.Equal(t, r.HoldExpiresAt, updated.HoldExpiresAt)
	assert.Equal(t, r.Version+1, updated.Version)

	old, err := f.store.Days(ctx, domain.DateRange{CheckIn: day("2025-07-10"), CheckOut: day("2025-07-11")})
	require.NoError(t, err)
	assert.Equal(t, domain.DayOpen, old[0].Status)
	assert.Equal(t, repeat(domain.DayHeld, 4), f.statuses(t, updated))
	assert.Equal(t, repeat(domain.DayHeld, 2), f.statuses(t, blocker))
}

func TestPinForPayment_BlocksModify(t *testing.T) {
	f := newFixture(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	ctx := context.Background()
	r, err := f.manager.Create(ctx, "guest-1", day("2025-07-10"), day("2025-07-13"), 2)
	require.NoError(t, err)

	pinned, err := f.manager.PinForPayment(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.Version+1, pinned.Version)

	f.now = f.now.Add(25 * time.Hour)
	_, err = f.manager.PinForPayment(ctx, r.ID)
	assert.True(t, errors.Is(err, domain.ErrHoldExpired))
	assert.NotEmpty(t, errors.GetAllHints(err))
}

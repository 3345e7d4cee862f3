// Package reservation drives a reservation through pending_payment, confirmed,
// cancelled and expired. Status changes are conditional on the prior status so
// the expiry sweep, cancellations and late payment confirmations can race
// without a lock: whichever transition lands first wins.
package reservation

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/robertarktes/vacation-rental-bookings/internal/domain"
	"github.com/robertarktes/vacation-rental-bookings/internal/observability"
	"github.com/robertarktes/vacation-rental-bookings/internal/pricing"
	"github.com/robertarktes/vacation-rental-bookings/internal/refundpolicy"
)

type Store interface {
	CreateReservation(ctx context.Context, r domain.Reservation, evt *domain.OutboxEvent) error
	GetReservation(ctx context.Context, id uuid.UUID) (domain.Reservation, error)
	// TransitionReservation sets the status to to when the current status is one of from.
	TransitionReservation(ctx context.Context, id uuid.UUID, from []domain.ReservationStatus, to domain.ReservationStatus, at time.Time, evt *domain.OutboxEvent) (bool, error)
	// UpdateReservation overwrites the stay, guests, amount and version when the
	// stored version equals expectedVersion and the reservation is still pending.
	UpdateReservation(ctx context.Context, r domain.Reservation, expectedVersion int, evt *domain.OutboxEvent) (bool, error)
	ListStaleReservations(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error)
}

type Ledger interface {
	Hold(ctx context.Context, r domain.DateRange, reservationID uuid.UUID) error
	HoldDays(ctx context.Context, days []time.Time, reservationID uuid.UUID) error
	Commit(ctx context.Context, r domain.DateRange, reservationID uuid.UUID) error
	Release(ctx context.Context, r domain.DateRange, reservationID uuid.UUID) error
	ReleaseDays(ctx context.Context, days []time.Time, reservationID uuid.UUID) error
}

// PaymentChecker answers payment questions without exposing payment storage.
type PaymentChecker interface {
	HasPayment(ctx context.Context, reservationID uuid.UUID) (bool, error)
	HasCompletedPayment(ctx context.Context, reservationID uuid.UUID) (bool, error)
}

const (
	staleBatchSize    = 100
	sweepParallelism  = 4
	expireMaxAttempts = 3
	releaseTimeout    = 5 * time.Second
)

type Manager struct {
	store    Store
	ledger   Ledger
	quoter   pricing.Quoter
	payments PaymentChecker
	logger   observability.Logger
	holdTTL  time.Duration
	loc      *time.Location
	now      func() time.Time
	backoff  time.Duration
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLocation sets the property's timezone, used for "today" and refund timing.
func WithLocation(loc *time.Location) Option {
	return func(m *Manager) { m.loc = loc }
}

func WithRetryBackoff(d time.Duration) Option {
	return func(m *Manager) { m.backoff = d }
}

func NewManager(store Store, ledger Ledger, quoter pricing.Quoter, payments PaymentChecker, logger observability.Logger, holdTTL time.Duration, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		ledger:   ledger,
		quoter:   quoter,
		payments: payments,
		logger:   logger,
		holdTTL:  holdTTL,
		loc:      time.UTC,
		now:      time.Now,
		backoff:  time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Now() time.Time {
	return m.now().In(m.loc)
}

// Create validates and prices the stay, holds its dates and persists the
// reservation as pending_payment.
func (m *Manager) Create(ctx context.Context, guestID string, checkIn, checkOut time.Time, guestCount int) (domain.Reservation, error) {
	if guestID == "" {
		return domain.Reservation{}, errors.Wrap(domain.ErrInvalidInput, "guest id is required")
	}
	stay, err := domain.NewDateRange(checkIn, checkOut)
	if err != nil {
		return domain.Reservation{}, err
	}
	now := m.Now()
	if stay.CheckIn.Before(domain.Date(now)) {
		return domain.Reservation{}, errors.Wrap(domain.ErrInvalidInput, "check-in is in the past")
	}
	quote, err := m.quoter.Quote(ctx, stay, guestCount)
	if err != nil {
		return domain.Reservation{}, err
	}

	r := domain.NewReservation(guestID, stay, guestCount, quote.TotalMinor, quote.Currency, now, m.holdTTL)
	if err := m.ledger.Hold(ctx, stay, r.ID); err != nil {
		return domain.Reservation{}, errors.Wrapf(err, "hold %s", stay)
	}

	evt := reservationEvent(r, "reservation.created", now)
	if err := m.store.CreateReservation(ctx, r, &evt); err != nil {
		return domain.Reservation{}, errors.CombineErrors(
			errors.Wrap(err, "persist reservation"),
			m.releaseDetached(ctx, stay, r.ID))
	}

	m.logger.WithFields(map[string]interface{}{
		"reservation_id": r.ID,
		"stay":           stay.String(),
		"total":          r.TotalAmountMinor,
	}).Info("reservation created")
	return r, nil
}

// Get returns the reservation to its guest or an admin. A pending reservation
// whose hold has lapsed is expired before it is returned.
func (m *Manager) Get(ctx context.Context, id uuid.UUID, actor domain.Actor) (domain.Reservation, error) {
	r, err := m.store.GetReservation(ctx, id)
	if err != nil {
		return domain.Reservation{}, err
	}
	if !actor.CanAccess(r.GuestID) {
		return domain.Reservation{}, domain.ErrForbidden
	}
	if r.Status == domain.ReservationPendingPayment && r.HoldExpired(m.Now()) {
		if _, err := m.expireOne(ctx, r); err != nil {
			m.logger.WithError(err).WithField("reservation_id", id).Warn("lazy expiry failed")
		}
		return m.store.GetReservation(ctx, id)
	}
	return r, nil
}

// Lookup loads a reservation for internal callers that have already
// authorized the request.
func (m *Manager) Lookup(ctx context.Context, id uuid.UUID) (domain.Reservation, error) {
	return m.store.GetReservation(ctx, id)
}

// Confirm books the reservation's dates after a completed payment. Confirming
// an already confirmed reservation only re-applies the idempotent commit.
func (m *Manager) Confirm(ctx context.Context, id uuid.UUID) (domain.Reservation, error) {
	for attempt := 0; attempt < 2; attempt++ {
		r, err := m.store.GetReservation(ctx, id)
		if err != nil {
			return domain.Reservation{}, err
		}
		switch r.Status {
		case domain.ReservationConfirmed:
			return r, m.ledger.Commit(ctx, r.Stay(), r.ID)
		case domain.ReservationCancelled, domain.ReservationExpired:
			return r, errors.Wrapf(domain.ErrInvalidTransition, "reservation %s is %s", id, r.Status)
		}

		now := m.Now()
		evt := reservationEvent(r, "reservation.confirmed", now)
		ok, err := m.store.TransitionReservation(ctx, id,
			[]domain.ReservationStatus{domain.ReservationPendingPayment}, domain.ReservationConfirmed, now, &evt)
		if err != nil {
			return domain.Reservation{}, errors.Wrap(err, "confirm reservation")
		}
		if !ok {
			continue
		}
		if err := m.ledger.Commit(ctx, r.Stay(), r.ID); err != nil {
			return domain.Reservation{}, err
		}
		r.Status = domain.ReservationConfirmed
		m.logger.WithField("reservation_id", id).Info("reservation confirmed")
		return r, nil
	}
	return domain.Reservation{}, errors.Wrapf(domain.ErrConflict, "reservation %s changed during confirm", id)
}

type CancelResult struct {
	Reservation    domain.Reservation
	PreviousStatus domain.ReservationStatus
	// RefundFraction is the policy fraction owed on a completed payment, 0 when
	// there is none.
	RefundFraction float64
	HasPayment     bool
}

// Cancel releases the stay and reports the refund owed under the policy.
func (m *Manager) Cancel(ctx context.Context, id uuid.UUID, actor domain.Actor) (CancelResult, error) {
	r, err := m.store.GetReservation(ctx, id)
	if err != nil {
		return CancelResult{}, err
	}
	if !actor.CanAccess(r.GuestID) {
		return CancelResult{}, domain.ErrForbidden
	}
	if r.Status != domain.ReservationPendingPayment && r.Status != domain.ReservationConfirmed {
		return CancelResult{}, errors.Wrapf(domain.ErrInvalidTransition, "reservation %s is %s", id, r.Status)
	}

	now := m.Now()
	evt := reservationEvent(r, "reservation.cancelled", now)
	ok, err := m.store.TransitionReservation(ctx, id, []domain.ReservationStatus{r.Status}, domain.ReservationCancelled, now, &evt)
	if err != nil {
		return CancelResult{}, errors.Wrap(err, "cancel reservation")
	}
	if !ok {
		return CancelResult{}, errors.Wrapf(domain.ErrConflict, "reservation %s changed during cancel", id)
	}
	if err := m.ledger.Release(ctx, r.Stay(), r.ID); err != nil {
		return CancelResult{}, err
	}

	res := CancelResult{PreviousStatus: r.Status}
	r.Status = domain.ReservationCancelled
	r.UpdatedAt = now
	res.Reservation = r

	paid, err := m.payments.HasCompletedPayment(ctx, id)
	if err != nil {
		return res, errors.Wrap(err, "check payment")
	}
	if paid {
		res.HasPayment = true
		res.RefundFraction = refundpolicy.Fraction(r.CheckIn, now)
	}

	m.logger.WithFields(map[string]interface{}{
		"reservation_id":  id,
		"actor":           actor.SubjectID,
		"refund_fraction": res.RefundFraction,
	}).Info("reservation cancelled")
	return res, nil
}

// Modify changes the stay or guest count of a pending reservation that has no
// payment attempt yet. The hold window is not extended.
func (m *Manager) Modify(ctx context.Context, id uuid.UUID, actor domain.Actor, checkIn, checkOut time.Time, guestCount int) (domain.Reservation, error) {
	r, err := m.store.GetReservation(ctx, id)
	if err != nil {
		return domain.Reservation{}, err
	}
	if !actor.CanAccess(r.GuestID) {
		return domain.Reservation{}, domain.ErrForbidden
	}
	if r.Status != domain.ReservationPendingPayment {
		return domain.Reservation{}, errors.Wrapf(domain.ErrModificationNotAllowed, "reservation %s is %s", id, r.Status)
	}
	now := m.Now()
	if r.HoldExpired(now) {
		return domain.Reservation{}, domain.ErrHoldExpired
	}
	started, err := m.payments.HasPayment(ctx, id)
	if err != nil {
		return domain.Reservation{}, errors.Wrap(err, "check payment")
	}
	if started {
		return domain.Reservation{}, errors.WithHint(
			errors.Wrap(domain.ErrModificationNotAllowed, "payment already started"),
			"cancel this reservation and create a new one")
	}

	stay, err := domain.NewDateRange(checkIn, checkOut)
	if err != nil {
		return domain.Reservation{}, err
	}
	if stay.CheckIn.Before(domain.Date(now)) {
		return domain.Reservation{}, errors.Wrap(domain.ErrInvalidInput, "check-in is in the past")
	}
	quote, err := m.quoter.Quote(ctx, stay, guestCount)
	if err != nil {
		return domain.Reservation{}, err
	}

	old := r.Stay()
	added := stay.Minus(old)
	removed := old.Minus(stay)
	if err := m.ledger.HoldDays(ctx, added, r.ID); err != nil {
		return domain.Reservation{}, errors.Wrapf(err, "hold %s", stay)
	}

	updated := r
	updated.CheckIn, updated.CheckOut = stay.CheckIn, stay.CheckOut
	updated.GuestCount = guestCount
	updated.TotalAmountMinor = quote.TotalMinor
	updated.Version = r.Version + 1
	updated.UpdatedAt = now
	evt := reservationEvent(updated, "reservation.modified", now)

	ok, err := m.store.UpdateReservation(ctx, updated, r.Version, &evt)
	if err != nil || !ok {
		relErr := m.releaseDaysDetached(ctx, added, r.ID)
		if err != nil {
			return domain.Reservation{}, errors.CombineErrors(errors.Wrap(err, "update reservation"), relErr)
		}
		return domain.Reservation{}, errors.CombineErrors(
			errors.Wrapf(domain.ErrConflict, "reservation %s changed during modify", id), relErr)
	}
	if err := m.ledger.ReleaseDays(ctx, removed, r.ID); err != nil {
		return updated, err
	}
	return updated, nil
}

// PinForPayment bumps the version of a payable reservation so a concurrent
// Modify cannot change the amount a checkout is about to charge.
func (m *Manager) PinForPayment(ctx context.Context, id uuid.UUID) (domain.Reservation, error) {
	for attempt := 0; attempt < 2; attempt++ {
		r, err := m.store.GetReservation(ctx, id)
		if err != nil {
			return domain.Reservation{}, err
		}
		if err := m.CheckPayable(r); err != nil {
			return r, err
		}
		pinned := r
		pinned.Version++
		pinned.UpdatedAt = m.Now()
		ok, err := m.store.UpdateReservation(ctx, pinned, r.Version, nil)
		if err != nil {
			return domain.Reservation{}, errors.Wrap(err, "pin reservation")
		}
		if ok {
			return pinned, nil
		}
	}
	return domain.Reservation{}, errors.Wrapf(domain.ErrConflict, "reservation %s changed during checkout", id)
}

// CheckPayable reports why r cannot accept a new checkout, if it cannot.
func (m *Manager) CheckPayable(r domain.Reservation) error {
	if r.Status != domain.ReservationPendingPayment {
		return errors.Wrapf(domain.ErrInvalidTransition, "reservation %s is %s", r.ID, r.Status)
	}
	if r.HoldExpired(m.Now()) {
		return errors.WithHint(domain.ErrHoldExpired, "the 24 hour hold has lapsed; create a new reservation")
	}
	return nil
}

// ExpireStale reclaims pending reservations whose hold has lapsed and that
// have no completed payment. It returns how many were expired.
func (m *Manager) ExpireStale(ctx context.Context) (int, error) {
	stale, err := m.store.ListStaleReservations(ctx, m.Now(), staleBatchSize)
	if err != nil {
		return 0, errors.Wrap(err, "list stale reservations")
	}

	expired := make([]bool, len(stale))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepParallelism)
	for i, r := range stale {
		i, r := i, r
		g.Go(func() error {
			ok, err := m.expireWithRetry(gctx, r)
			if err != nil {
				m.logger.WithError(err).WithField("reservation_id", r.ID).Error("failed to expire reservation after retries")
				return nil
			}
			expired[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	n := 0
	for _, ok := range expired {
		if ok {
			n++
		}
	}
	return n, nil
}

func (m *Manager) expireWithRetry(ctx context.Context, r domain.Reservation) (bool, error) {
	var lastErr error
	for i := 0; i < expireMaxAttempts; i++ {
		ok, err := m.expireOne(ctx, r)
		if err == nil {
			return ok, nil
		}
		lastErr = err
		backoff := time.Duration(1<<i) * m.backoff
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return false, errors.Wrapf(lastErr, "failed after %d attempts", expireMaxAttempts)
}

func (m *Manager) expireOne(ctx context.Context, r domain.Reservation) (bool, error) {
	paid, err := m.payments.HasCompletedPayment(ctx, r.ID)
	if err != nil {
		return false, errors.Wrap(err, "check payment")
	}
	if paid {
		// the confirmation is in flight; leave it to Confirm
		return false, nil
	}

	now := m.Now()
	evt := reservationEvent(r, "reservation.expired", now)
	ok, err := m.store.TransitionReservation(ctx, r.ID,
		[]domain.ReservationStatus{domain.ReservationPendingPayment}, domain.ReservationExpired, now, &evt)
	if err != nil {
		return false, errors.Wrap(err, "expire reservation")
	}
	if !ok {
		return false, nil
	}
	if err := m.ledger.Release(ctx, r.Stay(), r.ID); err != nil {
		return true, err
	}

	observability.ReservationsExpired.Inc()
	m.logger.WithField("reservation_id", r.ID).Info("reservation expired")
	return true, nil
}

func (m *Manager) releaseDetached(ctx context.Context, stay domain.DateRange, id uuid.UUID) error {
	return m.releaseDaysDetached(ctx, stay.Days(), id)
}

func (m *Manager) releaseDaysDetached(ctx context.Context, days []time.Time, id uuid.UUID) error {
	if len(days) == 0 {
		return nil
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	return m.ledger.ReleaseDays(rctx, days, id)
}

func reservationEvent(r domain.Reservation, eventType string, now time.Time) domain.OutboxEvent {
	return domain.NewOutboxEvent("reservation", r.ID, eventType, map[string]interface{}{
		"reservation_id": r.ID,
		"guest_id":       r.GuestID,
		"check_in":       r.CheckIn.Format(domain.DateLayout),
		"check_out":      r.CheckOut.Format(domain.DateLayout),
		"guest_count":    r.GuestCount,
		"total":          r.TotalAmountMinor,
		"currency":       r.Currency,
	}, now)
}

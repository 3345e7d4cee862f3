// Package availability owns the per-date occupancy ledger. Every mutation is a
// conditional write on the day's current status; nothing here reads a day and
// then writes it unconditionally.
package availability

import (
	"context"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/robertarktes/vacation-rental-bookings/internal/domain"
	"github.com/robertarktes/vacation-rental-bookings/internal/observability"
)

// Store persists availability days. A day without a row is open.
type Store interface {
	// CompareAndSwapDay sets day to status to with owner toOwner, but only if the
	// day's current status is one of from and, when owner is non-nil, the day is
	// attributed to owner. It reports whether the write happened.
	CompareAndSwapDay(ctx context.Context, day time.Time, from []domain.DayStatus, owner *uuid.UUID, to domain.DayStatus, toOwner *uuid.UUID) (bool, error)
	Days(ctx context.Context, r domain.DateRange) ([]domain.AvailabilityDay, error)
}

const (
	releaseParallelism = 4
	rollbackTimeout    = 5 * time.Second
)

type Ledger struct {
	store  Store
	logger observability.Logger
}

func NewLedger(store Store, logger observability.Logger) *Ledger {
	return &Ledger{store: store, logger: logger}
}

// Hold claims every night of r for reservationID, or none of them.
func (l *Ledger) Hold(ctx context.Context, r domain.DateRange, reservationID uuid.UUID) error {
	return l.HoldDays(ctx, r.Days(), reservationID)
}

// HoldDays is Hold for an arbitrary ascending set of days.
func (l *Ledger) HoldDays(ctx context.Context, days []time.Time, reservationID uuid.UUID) error {
	open := []domain.DayStatus{domain.DayOpen}
	return l.claim(ctx, days, open, nil, domain.DayHeld, &reservationID)
}

// Commit turns the reservation's held days into booked days. Days already
// booked by the same reservation count as committed.
func (l *Ledger) Commit(ctx context.Context, r domain.DateRange, reservationID uuid.UUID) error {
	var lost []time.Time
	for _, day := range r.Days() {
		ok, err := l.store.CompareAndSwapDay(ctx, day, []domain.DayStatus{domain.DayHeld, domain.DayBooked}, &reservationID, domain.DayBooked, &reservationID)
		if err != nil {
			return errors.Wrapf(err, "commit %s", day.Format(domain.DateLayout))
		}
		if !ok {
			lost = append(lost, day)
		}
	}
	if len(lost) > 0 {
		return errors.Wrapf(domain.NewDatesUnavailable(lost), "commit reservation %s", reservationID)
	}
	return nil
}

// Release returns the reservation's held or booked days in r to open. Days
// that are not attributed to the reservation are left alone.
func (l *Ledger) Release(ctx context.Context, r domain.DateRange, reservationID uuid.UUID) error {
	return l.ReleaseDays(ctx, r.Days(), reservationID)
}

func (l *Ledger) ReleaseDays(ctx context.Context, days []time.Time, reservationID uuid.UUID) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(releaseParallelism)
	for _, day := range days {
		day := day
		g.Go(func() error {
			_, err := l.store.CompareAndSwapDay(gctx, day, []domain.DayStatus{domain.DayHeld, domain.DayBooked}, &reservationID, domain.DayOpen, nil)
			return errors.Wrapf(err, "release %s", day.Format(domain.DateLayout))
		})
	}
	return g.Wait()
}

// Block takes open days off the market. Like Hold it is all-or-nothing.
func (l *Ledger) Block(ctx context.Context, r domain.DateRange) error {
	return l.claim(ctx, r.Days(), []domain.DayStatus{domain.DayOpen}, nil, domain.DayBlocked, nil)
}

func (l *Ledger) Unblock(ctx context.Context, r domain.DateRange) error {
	for _, day := range r.Days() {
		if _, err := l.store.CompareAndSwapDay(ctx, day, []domain.DayStatus{domain.DayBlocked}, nil, domain.DayOpen, nil); err != nil {
			return errors.Wrapf(err, "unblock %s", day.Format(domain.DateLayout))
		}
	}
	return nil
}

// Query lists the dates in r that are not open.
func (l *Ledger) Query(ctx context.Context, r domain.DateRange) ([]time.Time, error) {
	days, err := l.store.Days(ctx, r)
	if err != nil {
		return nil, errors.Wrap(err, "query availability")
	}
	var taken []time.Time
	for _, d := range days {
		if d.Status != domain.DayOpen {
			taken = append(taken, d.Date)
		}
	}
	return taken, nil
}

func (l *Ledger) claim(ctx context.Context, days []time.Time, from []domain.DayStatus, owner *uuid.UUID, to domain.DayStatus, toOwner *uuid.UUID) error {
	claimed := make([]time.Time, 0, len(days))
	for _, day := range days {
		ok, err := l.store.CompareAndSwapDay(ctx, day, from, owner, to, toOwner)
		if err != nil {
			return errors.CombineErrors(
				errors.Wrapf(err, "claim %s", day.Format(domain.DateLayout)),
				l.rollback(ctx, claimed, to, toOwner))
		}
		if !ok {
			observability.HoldConflicts.Inc()
			if rbErr := l.rollback(ctx, claimed, to, toOwner); rbErr != nil {
				return errors.CombineErrors(domain.NewDatesUnavailable([]time.Time{day}), rbErr)
			}
			return domain.NewDatesUnavailable(l.conflicts(ctx, days, day))
		}
		claimed = append(claimed, day)
	}
	return nil
}

// rollback undoes the days written by this call. It runs detached from the
// caller's cancellation so a cancelled request does not strand its partial hold.
func (l *Ledger) rollback(ctx context.Context, claimed []time.Time, status domain.DayStatus, owner *uuid.UUID) error {
	if len(claimed) == 0 {
		return nil
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	var errs error
	for _, day := range claimed {
		if _, err := l.store.CompareAndSwapDay(rctx, day, []domain.DayStatus{status}, owner, domain.DayOpen, nil); err != nil {
			l.logger.WithError(err).WithField("day", day.Format(domain.DateLayout)).Error("failed to roll back partial claim")
			errs = errors.CombineErrors(errs, err)
		}
	}
	return errs
}

// conflicts reports which of days are taken. The failed day is always included
// since it was taken at the moment of the write even if it has been freed since.
func (l *Ledger) conflicts(ctx context.Context, days []time.Time, failed time.Time) []time.Time {
	out := []time.Time{failed}
	if len(days) == 0 {
		return out
	}
	r := domain.DateRange{CheckIn: days[0], CheckOut: days[len(days)-1].AddDate(0, 0, 1)}
	current, err := l.store.Days(ctx, r)
	if err != nil {
		return out
	}
	wanted := make(map[string]bool, len(days))
	for _, d := range days {
		wanted[d.Format(domain.DateLayout)] = true
	}
	for _, d := range current {
		if d.Status != domain.DayOpen && wanted[d.Date.Format(domain.DateLayout)] && !d.Date.Equal(failed) {
			out = append(out, d.Date)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

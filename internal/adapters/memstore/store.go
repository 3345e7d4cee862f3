// Package memstore is an in-process implementation of every storage port with
// the same conditional-write semantics as the crdb adapter. It backs local
// development (STORE_DRIVER=memory) and the engine's tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/robertarktes/vacation-rental-bookings/internal/domain"
)

type outboxRow struct {
	event       domain.OutboxEvent
	publishedAt *time.Time
}

type Store struct {
	mu           sync.Mutex
	days         map[string]domain.AvailabilityDay
	reservations map[uuid.UUID]domain.Reservation
	payments     map[uuid.UUID]domain.Payment
	sessions     map[string]domain.CheckoutSession
	events       map[string]domain.WebhookEventRecord
	outbox       []outboxRow
}

func New() *Store {
	return &Store{
		days:         make(map[string]domain.AvailabilityDay),
		reservations: make(map[uuid.UUID]domain.Reservation),
		payments:     make(map[uuid.UUID]domain.Payment),
		sessions:     make(map[string]domain.CheckoutSession),
		events:       make(map[string]domain.WebhookEventRecord),
	}
}

func (s *Store) enqueue(evt *domain.OutboxEvent) {
	if evt != nil {
		s.outbox = append(s.outbox, outboxRow{event: *evt})
	}
}

func dayKey(t time.Time) string {
	return t.Format(domain.DateLayout)
}

func hasStatus[T comparable](from []T, cur T) bool {
	for _, f := range from {
		if f == cur {
			return true
		}
	}
	return false
}

// availability

func (s *Store) CompareAndSwapDay(_ context.Context, day time.Time, from []domain.DayStatus, owner *uuid.UUID, to domain.DayStatus, toOwner *uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := dayKey(day)
	cur, ok := s.days[key]
	if !ok {
		cur = domain.AvailabilityDay{Date: domain.Date(day), Status: domain.DayOpen}
	}
	if !hasStatus(from, cur.Status) {
		return false, nil
	}
	if owner != nil && (cur.ReservationID == nil || *cur.ReservationID != *owner) {
		return false, nil
	}
	next := domain.AvailabilityDay{Date: cur.Date, Status: to}
	if toOwner != nil {
		id := *toOwner
		next.ReservationID = &id
	}
	s.days[key] = next
	return true, nil
}

func (s *Store) Days(_ context.Context, r domain.DateRange) ([]domain.AvailabilityDay, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.AvailabilityDay, 0, r.Nights())
	for _, d := range r.Days() {
		if cur, ok := s.days[dayKey(d)]; ok {
			out = append(out, cur)
			continue
		}
		out = append(out, domain.AvailabilityDay{Date: d, Status: domain.DayOpen})
	}
	return out, nil
}

// reservations

func (s *Store) CreateReservation(_ context.Context, r domain.Reservation, evt *domain.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.reservations[r.ID]; ok {
		return domain.ErrConflict
	}
	s.reservations[r.ID] = r
	s.enqueue(evt)
	return nil
}

func (s *Store) GetReservation(_ context.Context, id uuid.UUID) (domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[id]
	if !ok {
		return domain.Reservation{}, domain.ErrNotFound
	}
	return r, nil
}

func (s *Store) TransitionReservation(_ context.Context, id uuid.UUID, from []domain.ReservationStatus, to domain.ReservationStatus, at time.Time, evt *domain.OutboxEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if !hasStatus(from, r.Status) {
		return false, nil
	}
	r.Status = to
	r.UpdatedAt = at
	s.reservations[id] = r
	s.enqueue(evt)
	return true, nil
}

func (s *Store) UpdateReservation(_ context.Context, r domain.Reservation, expectedVersion int, evt *domain.OutboxEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.reservations[r.ID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if cur.Version != expectedVersion || cur.Status != domain.ReservationPendingPayment {
		return false, nil
	}
	cur.CheckIn, cur.CheckOut = r.CheckIn, r.CheckOut
	cur.GuestCount = r.GuestCount
	cur.TotalAmountMinor = r.TotalAmountMinor
	cur.Version = r.Version
	cur.UpdatedAt = r.UpdatedAt
	s.reservations[r.ID] = cur
	s.enqueue(evt)
	return true, nil
}

func (s *Store) ListStaleReservations(_ context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Reservation
	for _, r := range s.reservations {
		if r.Status == domain.ReservationPendingPayment && !now.Before(r.HoldExpiresAt) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HoldExpiresAt.Before(out[j].HoldExpiresAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/robertarktes/vacation-rental-bookings/internal/domain"
)

var (
	openStatuses    = []domain.PaymentStatus{domain.PaymentPending, domain.PaymentFailed}
	settledStatuses = []domain.PaymentStatus{domain.PaymentCompleted, domain.PaymentRefunded}
)

func (s *Store) findPayment(reservationID uuid.UUID, statuses []domain.PaymentStatus) (domain.Payment, bool) {
	for _, p := range s.payments {
		if p.ReservationID == reservationID && hasStatus(statuses, p.Status) {
			return p, true
		}
	}
	return domain.Payment{}, false
}

func (s *Store) CreatePayment(_ context.Context, p domain.Payment) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.findPayment(p.ReservationID, openStatuses); ok {
		return false, nil
	}
	if _, ok := s.findPayment(p.ReservationID, settledStatuses); ok {
		return false, nil
	}
	s.payments[p.ID] = p
	return true, nil
}

func (s *Store) GetPayment(_ context.Context, id uuid.UUID) (domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok {
		return domain.Payment{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *Store) OpenPayment(_ context.Context, reservationID uuid.UUID) (domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.findPayment(reservationID, openStatuses); ok {
		return p, nil
	}
	return domain.Payment{}, domain.ErrNotFound
}

func (s *Store) SettledPayment(_ context.Context, reservationID uuid.UUID) (domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.findPayment(reservationID, settledStatuses); ok {
		return p, nil
	}
	return domain.Payment{}, domain.ErrNotFound
}

func (s *Store) ListPayments(_ context.Context, reservationID uuid.UUID) ([]domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Payment
	for _, p := range s.payments {
		if p.ReservationID == reservationID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) PaymentBySession(_ context.Context, sessionID string) (domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.sessions[sessionID]
	if !ok {
		return domain.Payment{}, domain.ErrNotFound
	}
	return s.payments[cs.PaymentID], nil
}

func (s *Store) PaymentByCharge(_ context.Context, chargeID string) (domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.payments {
		if chargeID != "" && p.GatewayChargeID == chargeID {
			return p, nil
		}
	}
	return domain.Payment{}, domain.ErrNotFound
}

func (s *Store) AttachSession(_ context.Context, paymentID uuid.UUID, expectedAttempts, newAttempts int, cs domain.CheckoutSession) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[paymentID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if !hasStatus(openStatuses, p.Status) || p.AttemptCount != expectedAttempts {
		return false, nil
	}
	if _, exists := s.sessions[cs.SessionID]; !exists {
		s.sessions[cs.SessionID] = cs
	}
	exp := cs.ExpiresAt
	p.Status = domain.PaymentPending
	p.GatewaySessionID = cs.SessionID
	p.CheckoutURL = cs.URL
	p.SessionExpiresAt = &exp
	p.AttemptCount = newAttempts
	s.payments[paymentID] = p
	return true, nil
}

func (s *Store) PlanSession(_ context.Context, paymentID uuid.UUID, expectedAttempts, attempt int, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[paymentID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if !hasStatus(openStatuses, p.Status) || p.AttemptCount != expectedAttempts || p.PlannedAttempt >= attempt {
		return false, nil
	}
	p.PlannedAttempt = attempt
	p.PlannedExpiresAt = &expiresAt
	s.payments[paymentID] = p
	return true, nil
}

func (s *Store) ListSessions(_ context.Context, paymentID uuid.UUID) ([]domain.CheckoutSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.CheckoutSession
	for _, cs := range s.sessions {
		if cs.PaymentID == paymentID {
			out = append(out, cs)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Attempt < out[j].Attempt })
	return out, nil
}

func (s *Store) MarkPaymentCompleted(_ context.Context, paymentID uuid.UUID, chargeID string, at time.Time, evt *domain.OutboxEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[paymentID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if !hasStatus(openStatuses, p.Status) {
		return false, nil
	}
	p.Status = domain.PaymentCompleted
	p.GatewayChargeID = chargeID
	p.CompletedAt = &at
	s.payments[paymentID] = p
	s.enqueue(evt)
	return true, nil
}

func (s *Store) MarkPaymentFailed(_ context.Context, paymentID uuid.UUID, sessionID string, evt *domain.OutboxEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[paymentID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if p.Status != domain.PaymentPending || p.GatewaySessionID != sessionID {
		return false, nil
	}
	p.Status = domain.PaymentFailed
	s.payments[paymentID] = p
	s.enqueue(evt)
	return true, nil
}

func (s *Store) RecordRefund(_ context.Context, paymentID uuid.UUID, refundID string, amount int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[paymentID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if p.Status != domain.PaymentCompleted || p.RefundID != "" {
		return false, nil
	}
	p.RefundID = refundID
	p.RefundAmountMinor = amount
	s.payments[paymentID] = p
	return true, nil
}

func (s *Store) MarkPaymentRefunded(_ context.Context, paymentID uuid.UUID, refundID string, amount int64, evt *domain.OutboxEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[paymentID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if p.Status != domain.PaymentCompleted {
		return false, nil
	}
	p.Status = domain.PaymentRefunded
	if p.RefundID == "" {
		p.RefundID = refundID
	}
	p.RefundAmountMinor = amount
	s.payments[paymentID] = p
	s.enqueue(evt)
	return true, nil
}

func (s *Store) HasPayment(_ context.Context, reservationID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.findPayment(reservationID, append(append([]domain.PaymentStatus{}, openStatuses...), settledStatuses...))
	return ok, nil
}

func (s *Store) HasCompletedPayment(_ context.Context, reservationID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.findPayment(reservationID, []domain.PaymentStatus{domain.PaymentCompleted})
	return ok, nil
}

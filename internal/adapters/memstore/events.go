package memstore

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/robertarktes/vacation-rental-bookings/internal/domain"
)

func (s *Store) GetWebhookEvent(_ context.Context, eventID string) (domain.WebhookEventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.events[eventID]
	if !ok || (!rec.ExpiresAt.IsZero() && time.Now().After(rec.ExpiresAt)) {
		return domain.WebhookEventRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (s *Store) RecordWebhookEvent(_ context.Context, rec domain.WebhookEventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.events[rec.EventID]; ok && cur.Outcome != domain.OutcomeError {
		return nil
	}
	s.events[rec.EventID] = rec
	return nil
}

func (s *Store) PruneWebhookEvents(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, rec := range s.events {
		if rec.ExpiresAt.Before(before) {
			delete(s.events, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) GetUnpublishedOutbox(_ context.Context, limit int) ([]domain.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.OutboxEvent
	for _, row := range s.outbox {
		if row.publishedAt == nil {
			out = append(out, row.event)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Store) MarkPublished(_ context.Context, id uuid.UUID, publishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.outbox {
		if s.outbox[i].event.ID == id {
			at := publishedAt
			s.outbox[i].publishedAt = &at
			return nil
		}
	}
	return domain.ErrNotFound
}

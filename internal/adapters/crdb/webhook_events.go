package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/robertarktes/vacation-rental-bookings/internal/domain"
)

func (r *Repository) GetWebhookEvent(ctx context.Context, eventID string) (domain.WebhookEventRecord, error) {
	var (
		rec     domain.WebhookEventRecord
		outcome string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT event_id, event_type, received_at, outcome, expires_at
		FROM webhook_events WHERE event_id = $1 AND expires_at > now()
	`, eventID).Scan(&rec.EventID, &rec.EventType, &rec.ReceivedAt, &outcome, &rec.ExpiresAt)
	if err != nil {
		return domain.WebhookEventRecord{}, classify(err)
	}
	rec.Outcome = domain.WebhookOutcome(outcome)
	return rec, nil
}

// RecordWebhookEvent upserts rec but never overwrites a successful outcome.
func (r *Repository) RecordWebhookEvent(ctx context.Context, rec domain.WebhookEventRecord) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO webhook_events AS w (event_id, event_type, received_at, outcome, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id) DO UPDATE
		SET event_type = excluded.event_type, received_at = excluded.received_at,
		    outcome = excluded.outcome, expires_at = excluded.expires_at
		WHERE w.outcome = 'error'
	`, rec.EventID, rec.EventType, rec.ReceivedAt, string(rec.Outcome), rec.ExpiresAt)
	return errors.Wrap(err, "record webhook event")
}

// PruneWebhookEvents deletes expired records. Row-level TTL does the same in
// the background; this lets the expiry worker bound the table deterministically.
func (r *Repository) PruneWebhookEvents(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM webhook_events WHERE expires_at < $1`, before)
	if err != nil {
		return 0, errors.Wrap(err, "prune webhook events")
	}
	return tag.RowsAffected(), nil
}

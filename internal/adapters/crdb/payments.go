package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/robertarktes/vacation-rental-bookings/internal/domain"
)

const paymentColumns = `p.id, p.reservation_id, p.amount_minor, p.currency, p.status, p.gateway_session_id,
	p.checkout_url, p.session_expires_at, p.gateway_charge_id, p.refund_id, p.refund_amount_minor,
	p.attempt_count, p.created_at, p.completed_at, p.planned_attempt, p.planned_expires_at`

func scanPayment(row pgx.Row) (domain.Payment, error) {
	var (
		p      domain.Payment
		status string
	)
	err := row.Scan(&p.ID, &p.ReservationID, &p.AmountMinor, &p.Currency, &status, &p.GatewaySessionID,
		&p.CheckoutURL, &p.SessionExpiresAt, &p.GatewayChargeID, &p.RefundID, &p.RefundAmountMinor,
		&p.AttemptCount, &p.CreatedAt, &p.CompletedAt, &p.PlannedAttempt, &p.PlannedExpiresAt)
	if err != nil {
		return domain.Payment{}, classify(err)
	}
	p.Status = domain.PaymentStatus(status)
	return p, nil
}

func (r *Repository) queryPayment(ctx context.Context, where string, args ...interface{}) (domain.Payment, error) {
	return scanPayment(r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments AS p `+where, args...))
}

// CreatePayment relies on the partial unique index for the open slot and on
// serializable isolation for the settled check.
func (r *Repository) CreatePayment(ctx context.Context, p domain.Payment) (bool, error) {
	var inserted bool
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO payments (id, reservation_id, amount_minor, currency, status, attempt_count, created_at,
				planned_attempt, planned_expires_at)
			SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9
			WHERE NOT EXISTS (
				SELECT 1 FROM payments WHERE reservation_id = $2 AND status IN ('completed', 'refunded')
			)
			ON CONFLICT DO NOTHING
		`, p.ID, p.ReservationID, p.AmountMinor, p.Currency, string(p.Status), p.AttemptCount, p.CreatedAt,
			p.PlannedAttempt, p.PlannedExpiresAt)
		if err != nil {
			return errors.Wrap(err, "insert payment")
		}
		inserted = tag.RowsAffected() == 1
		return nil
	})
	return inserted, err
}

func (r *Repository) GetPayment(ctx context.Context, id uuid.UUID) (domain.Payment, error) {
	return r.queryPayment(ctx, `WHERE p.id = $1`, id)
}

func (r *Repository) OpenPayment(ctx context.Context, reservationID uuid.UUID) (domain.Payment, error) {
	return r.queryPayment(ctx, `WHERE p.reservation_id = $1 AND p.status IN ('pending', 'failed')`, reservationID)
}

func (r *Repository) SettledPayment(ctx context.Context, reservationID uuid.UUID) (domain.Payment, error) {
	return r.queryPayment(ctx, `WHERE p.reservation_id = $1 AND p.status IN ('completed', 'refunded')`, reservationID)
}

func (r *Repository) ListPayments(ctx context.Context, reservationID uuid.UUID) ([]domain.Payment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+paymentColumns+` FROM payments AS p WHERE p.reservation_id = $1 ORDER BY p.created_at
	`, reservationID)
	if err != nil {
		return nil, errors.Wrap(err, "list payments")
	}
	defer rows.Close()

	var out []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, errors.Wrap(rows.Err(), "list payments")
}

func (r *Repository) PaymentBySession(ctx context.Context, sessionID string) (domain.Payment, error) {
	return r.queryPayment(ctx, `
		JOIN checkout_sessions AS s ON s.payment_id = p.id
		WHERE s.session_id = $1
	`, sessionID)
}

func (r *Repository) PaymentByCharge(ctx context.Context, chargeID string) (domain.Payment, error) {
	if chargeID == "" {
		return domain.Payment{}, domain.ErrNotFound
	}
	return r.queryPayment(ctx, `WHERE p.gateway_charge_id = $1`, chargeID)
}

func (r *Repository) AttachSession(ctx context.Context, paymentID uuid.UUID, expectedAttempts, newAttempts int, cs domain.CheckoutSession) (bool, error) {
	var attached bool
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE payments
			SET status = 'pending', gateway_session_id = $3, checkout_url = $4, session_expires_at = $5, attempt_count = $6
			WHERE id = $1 AND attempt_count = $2 AND status IN ('pending', 'failed')
		`, paymentID, expectedAttempts, cs.SessionID, cs.URL, cs.ExpiresAt, newAttempts)
		if err != nil {
			return errors.Wrap(err, "attach session")
		}
		attached = tag.RowsAffected() == 1
		if !attached {
			return nil
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO checkout_sessions (session_id, payment_id, attempt, url, expires_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (session_id) DO NOTHING
		`, cs.SessionID, cs.PaymentID, cs.Attempt, cs.URL, cs.ExpiresAt, cs.CreatedAt)
		return errors.Wrap(err, "insert checkout session")
	})
	return attached, err
}

func (r *Repository) PlanSession(ctx context.Context, paymentID uuid.UUID, expectedAttempts, attempt int, expiresAt time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE payments SET planned_attempt = $3, planned_expires_at = $4
		WHERE id = $1 AND attempt_count = $2 AND planned_attempt < $3 AND status IN ('pending', 'failed')
	`, paymentID, expectedAttempts, attempt, expiresAt)
	if err != nil {
		return false, errors.Wrap(err, "plan session")
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) ListSessions(ctx context.Context, paymentID uuid.UUID) ([]domain.CheckoutSession, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT session_id, payment_id, attempt, url, expires_at, created_at
		FROM checkout_sessions WHERE payment_id = $1 ORDER BY attempt
	`, paymentID)
	if err != nil {
		return nil, errors.Wrap(err, "list sessions")
	}
	defer rows.Close()

	var out []domain.CheckoutSession
	for rows.Next() {
		var cs domain.CheckoutSession
		if err := rows.Scan(&cs.SessionID, &cs.PaymentID, &cs.Attempt, &cs.URL, &cs.ExpiresAt, &cs.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan session")
		}
		out = append(out, cs)
	}
	return out, errors.Wrap(rows.Err(), "list sessions")
}

// conditionalUpdate runs a guarded UPDATE and writes evt only when it applied.
func (r *Repository) conditionalUpdate(ctx context.Context, evt *domain.OutboxEvent, sql string, args ...interface{}) (bool, error) {
	var applied bool
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, sql, args...)
		if err != nil {
			return err
		}
		applied = tag.RowsAffected() == 1
		if !applied {
			return nil
		}
		return insertOutbox(ctx, tx, evt)
	})
	return applied, err
}

func (r *Repository) MarkPaymentCompleted(ctx context.Context, paymentID uuid.UUID, chargeID string, at time.Time, evt *domain.OutboxEvent) (bool, error) {
	ok, err := r.conditionalUpdate(ctx, evt, `
		UPDATE payments SET status = 'completed', gateway_charge_id = $2, completed_at = $3
		WHERE id = $1 AND status IN ('pending', 'failed')
	`, paymentID, chargeID, at)
	return ok, errors.Wrap(err, "complete payment")
}

func (r *Repository) MarkPaymentFailed(ctx context.Context, paymentID uuid.UUID, sessionID string, evt *domain.OutboxEvent) (bool, error) {
	ok, err := r.conditionalUpdate(ctx, evt, `
		UPDATE payments SET status = 'failed'
		WHERE id = $1 AND status = 'pending' AND gateway_session_id = $2
	`, paymentID, sessionID)
	return ok, errors.Wrap(err, "fail payment")
}

func (r *Repository) RecordRefund(ctx context.Context, paymentID uuid.UUID, refundID string, amount int64) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE payments SET refund_id = $2, refund_amount_minor = $3
		WHERE id = $1 AND status = 'completed' AND refund_id = ''
	`, paymentID, refundID, amount)
	if err != nil {
		return false, errors.Wrap(err, "record refund")
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) MarkPaymentRefunded(ctx context.Context, paymentID uuid.UUID, refundID string, amount int64, evt *domain.OutboxEvent) (bool, error) {
	ok, err := r.conditionalUpdate(ctx, evt, `
		UPDATE payments
		SET status = 'refunded', refund_amount_minor = $3,
		    refund_id = CASE WHEN refund_id = '' THEN $2 ELSE refund_id END
		WHERE id = $1 AND status = 'completed'
	`, paymentID, refundID, amount)
	return ok, errors.Wrap(err, "mark payment refunded")
}

func (r *Repository) HasPayment(ctx context.Context, reservationID uuid.UUID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payments WHERE reservation_id = $1)`, reservationID).Scan(&exists)
	return exists, errors.Wrap(err, "check payment")
}

func (r *Repository) HasCompletedPayment(ctx context.Context, reservationID uuid.UUID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM payments WHERE reservation_id = $1 AND status = 'completed')
	`, reservationID).Scan(&exists)
	return exists, errors.Wrap(err, "check completed payment")
}

package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/robertarktes/vacation-rental-bookings/internal/domain"
)

const reservationColumns = `id, guest_id, check_in, check_out, guest_count, total_amount_minor, currency,
	status, version, created_at, hold_expires_at, updated_at`

func scanReservation(row pgx.Row) (domain.Reservation, error) {
	var (
		res    domain.Reservation
		status string
	)
	err := row.Scan(&res.ID, &res.GuestID, &res.CheckIn, &res.CheckOut, &res.GuestCount, &res.TotalAmountMinor,
		&res.Currency, &status, &res.Version, &res.CreatedAt, &res.HoldExpiresAt, &res.UpdatedAt)
	if err != nil {
		return domain.Reservation{}, classify(err)
	}
	res.CheckIn, res.CheckOut = domain.Date(res.CheckIn), domain.Date(res.CheckOut)
	res.Status = domain.ReservationStatus(status)
	return res, nil
}

func (r *Repository) CreateReservation(ctx context.Context, res domain.Reservation, evt *domain.OutboxEvent) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO reservations (`+reservationColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`, res.ID, res.GuestID, res.CheckIn, res.CheckOut, res.GuestCount, res.TotalAmountMinor, res.Currency,
			string(res.Status), res.Version, res.CreatedAt, res.HoldExpiresAt, res.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, "insert reservation")
		}
		return insertOutbox(ctx, tx, evt)
	})
}

func (r *Repository) GetReservation(ctx context.Context, id uuid.UUID) (domain.Reservation, error) {
	return scanReservation(r.pool.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1`, id))
}

func (r *Repository) TransitionReservation(ctx context.Context, id uuid.UUID, from []domain.ReservationStatus, to domain.ReservationStatus, at time.Time, evt *domain.OutboxEvent) (bool, error) {
	var swapped bool
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE reservations SET status = $3, updated_at = $4
			WHERE id = $1 AND status = ANY($2::STRING[])
		`, id, statusStrings(from), string(to), at)
		if err != nil {
			return errors.Wrap(err, "transition reservation")
		}
		swapped = tag.RowsAffected() == 1
		if !swapped {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM reservations WHERE id = $1)`, id).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return domain.ErrNotFound
			}
			return nil
		}
		return insertOutbox(ctx, tx, evt)
	})
	return swapped, err
}

func (r *Repository) UpdateReservation(ctx context.Context, res domain.Reservation, expectedVersion int, evt *domain.OutboxEvent) (bool, error) {
	var swapped bool
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE reservations
			SET check_in = $3, check_out = $4, guest_count = $5, total_amount_minor = $6, version = $7, updated_at = $8
			WHERE id = $1 AND version = $2 AND status = 'pending_payment'
		`, res.ID, expectedVersion, res.CheckIn, res.CheckOut, res.GuestCount, res.TotalAmountMinor, res.Version, res.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, "update reservation")
		}
		swapped = tag.RowsAffected() == 1
		if !swapped {
			return nil
		}
		return insertOutbox(ctx, tx, evt)
	})
	return swapped, err
}

func (r *Repository) ListStaleReservations(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE status = 'pending_payment' AND hold_expires_at <= $1
		ORDER BY hold_expires_at LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list stale reservations")
	}
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, errors.Wrap(rows.Err(), "list stale reservations")
}

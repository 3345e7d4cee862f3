package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/robertarktes/vacation-rental-bookings/internal/domain"
)

func statusStrings[T ~string](in []T) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func includesOpen(from []domain.DayStatus) bool {
	for _, s := range from {
		if s == domain.DayOpen {
			return true
		}
	}
	return false
}

// CompareAndSwapDay is one statement per day. A missing row is an open day, so
// transitions out of open upsert and only apply the update when the existing
// row still matches.
func (r *Repository) CompareAndSwapDay(ctx context.Context, day time.Time, from []domain.DayStatus, owner *uuid.UUID, to domain.DayStatus, toOwner *uuid.UUID) (bool, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if includesOpen(from) {
		rows, err = r.pool.Query(ctx, `
			INSERT INTO availability_days AS d (day, status, reservation_id, updated_at)
			VALUES ($1, $4, $5, now())
			ON CONFLICT (day) DO UPDATE
			SET status = excluded.status, reservation_id = excluded.reservation_id, updated_at = excluded.updated_at
			WHERE d.status = ANY($2::STRING[]) AND ($3::UUID IS NULL OR d.reservation_id = $3)
			RETURNING day
		`, day, statusStrings(from), owner, string(to), toOwner)
	} else {
		rows, err = r.pool.Query(ctx, `
			UPDATE availability_days
			SET status = $4, reservation_id = $5, updated_at = now()
			WHERE day = $1 AND status = ANY($2::STRING[]) AND ($3::UUID IS NULL OR reservation_id = $3)
			RETURNING day
		`, day, statusStrings(from), owner, string(to), toOwner)
	}
	if err != nil {
		return false, errors.Wrap(err, "swap availability day")
	}
	defer rows.Close()

	swapped := rows.Next()
	rows.Close()
	return swapped, errors.Wrap(rows.Err(), "swap availability day")
}

func (r *Repository) Days(ctx context.Context, rng domain.DateRange) ([]domain.AvailabilityDay, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT day, status, reservation_id FROM availability_days
		WHERE day >= $1 AND day < $2 ORDER BY day
	`, rng.CheckIn, rng.CheckOut)
	if err != nil {
		return nil, errors.Wrap(err, "query availability")
	}
	defer rows.Close()

	stored := make(map[string]domain.AvailabilityDay)
	for rows.Next() {
		var (
			d      domain.AvailabilityDay
			status string
		)
		if err := rows.Scan(&d.Date, &status, &d.ReservationID); err != nil {
			return nil, errors.Wrap(err, "scan availability day")
		}
		d.Date = domain.Date(d.Date)
		d.Status = domain.DayStatus(status)
		stored[d.Date.Format(domain.DateLayout)] = d
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "query availability")
	}

	out := make([]domain.AvailabilityDay, 0, rng.Nights())
	for _, day := range rng.Days() {
		if d, ok := stored[day.Format(domain.DateLayout)]; ok {
			out = append(out, d)
			continue
		}
		out = append(out, domain.AvailabilityDay{Date: day, Status: domain.DayOpen})
	}
	return out, nil
}

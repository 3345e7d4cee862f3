// Package refundpolicy maps cancellation timing to the fraction of the paid
// amount that is returned to the guest.
package refundpolicy

import (
	"math"
	"time"

	"github.com/robertarktes/vacation-rental-bookings/internal/domain"
)

const (
	FullRefundDays = 14
	HalfRefundDays = 7
)

// DaysUntilCheckIn counts calendar days from the cancellation date, taken in
// cancelledAt's location, to the check-in date.
func DaysUntilCheckIn(checkIn, cancelledAt time.Time) int {
	return int(domain.Date(checkIn).Sub(domain.Date(cancelledAt)).Hours() / 24)
}

// Fraction returns 1.0 at 14 or more days before check-in, 0.5 from 7 to 13
// days, and 0.0 below 7. Lower bounds are inclusive.
func Fraction(checkIn, cancelledAt time.Time) float64 {
	days := DaysUntilCheckIn(checkIn, cancelledAt)
	switch {
	case days >= FullRefundDays:
		return 1.0
	case days >= HalfRefundDays:
		return 0.5
	default:
		return 0.0
	}
}

// Amount rounds amount*fraction to the nearest minor unit.
func Amount(amount int64, fraction float64) int64 {
	if fraction <= 0 {
		return 0
	}
	if fraction >= 1 {
		return amount
	}
	return int64(math.Round(float64(amount) * fraction))
}

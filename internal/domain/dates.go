package domain

import (
	"time"

	"github.com/cockroachdb/errors"
)

const DateLayout = "2006-01-02"

// DateRange is a stay: CheckIn inclusive, CheckOut exclusive. Both are civil dates
// stored as UTC midnight.
type DateRange struct {
	CheckIn  time.Time
	CheckOut time.Time
}

// Date truncates t to its calendar date in t's own location and returns it as UTC midnight.
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, errors.Mark(errors.Wrapf(err, "parse date %q", s), ErrInvalidInput)
	}
	return t, nil
}

func NewDateRange(checkIn, checkOut time.Time) (DateRange, error) {
	r := DateRange{CheckIn: Date(checkIn), CheckOut: Date(checkOut)}
	if !r.CheckIn.Before(r.CheckOut) {
		return DateRange{}, errors.Wrapf(ErrInvalidInput, "check-in %s must be before check-out %s",
			r.CheckIn.Format(DateLayout), r.CheckOut.Format(DateLayout))
	}
	return r, nil
}

func (r DateRange) Nights() int {
	return int(r.CheckOut.Sub(r.CheckIn).Hours() / 24)
}

// Days lists every night of the stay in ascending order.
func (r DateRange) Days() []time.Time {
	days := make([]time.Time, 0, r.Nights())
	for d := r.CheckIn; d.Before(r.CheckOut); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

func (r DateRange) Contains(day time.Time) bool {
	return !day.Before(r.CheckIn) && day.Before(r.CheckOut)
}

func (r DateRange) Overlaps(o DateRange) bool {
	return r.CheckIn.Before(o.CheckOut) && o.CheckIn.Before(r.CheckOut)
}

// Minus returns the days of r that are not in o.
func (r DateRange) Minus(o DateRange) []time.Time {
	var out []time.Time
	for _, d := range r.Days() {
		if !o.Contains(d) {
			out = append(out, d)
		}
	}
	return out
}

func (r DateRange) String() string {
	return r.CheckIn.Format(DateLayout) + ".." + r.CheckOut.Format(DateLayout)
}

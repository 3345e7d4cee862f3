package domain

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	ErrSerializationFailure = errors.New("serialization failure")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrInvalidInput         = errors.New("invalid input")
	ErrForbidden            = errors.New("forbidden")

	ErrDatesUnavailable       = errors.New("dates unavailable")
	ErrMinimumStayNotMet      = errors.New("minimum stay not met")
	ErrMaxGuestsExceeded      = errors.New("max guests exceeded")
	ErrInvalidTransition      = errors.New("invalid reservation state")
	ErrHoldExpired            = errors.New("reservation hold expired")
	ErrModificationNotAllowed = errors.New("modification not allowed")

	ErrAlreadyPaid               = errors.New("already paid")
	ErrMaxRetriesExceeded        = errors.New("max payment attempts exceeded")
	ErrRefundNotAllowed          = errors.New("refund not allowed")
	ErrGatewayTransient          = errors.New("payment gateway transient error")
	ErrPaymentGatewayUnavailable = errors.New("payment gateway unavailable")

	ErrInvalidSignature = errors.New("invalid signature")
	ErrRetryable        = errors.New("retryable processing failure")
)

// DatesUnavailableError lists the dates that blocked a hold.
type DatesUnavailableError struct {
	Dates []time.Time
}

func NewDatesUnavailable(dates []time.Time) error {
	return &DatesUnavailableError{Dates: dates}
}

func (e *DatesUnavailableError) Error() string {
	s := make([]string, len(e.Dates))
	for i, d := range e.Dates {
		s[i] = d.Format(DateLayout)
	}
	return "dates unavailable: " + strings.Join(s, ", ")
}

func (e *DatesUnavailableError) Is(target error) bool {
	return target == ErrDatesUnavailable
}

// ConflictingDates extracts the conflicting dates from err, if any.
func ConflictingDates(err error) []time.Time {
	var due *DatesUnavailableError
	if errors.As(err, &due) {
		return due.Dates
	}
	return nil
}

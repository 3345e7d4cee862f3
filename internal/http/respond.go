package http

import (
	"encoding/json"
	"net/http"

	"github.com/cockroachdb/errors"

	"github.com/robertarktes/vacation-rental-bookings/internal/domain"
	"github.com/robertarktes/vacation-rental-bookings/internal/observability"
)

type errorBody struct {
	Error            string   `json:"error"`
	Message          string   `json:"message"`
	Hints            []string `json:"hints,omitempty"`
	ConflictingDates []string `json:"conflictingDates,omitempty"`
}

var errorKinds = []struct {
	err    error
	code   string
	status int
}{
	{domain.ErrInvalidSignature, "invalid_signature", http.StatusBadRequest},
	{domain.ErrDatesUnavailable, "dates_unavailable", http.StatusConflict},
	{domain.ErrMinimumStayNotMet, "minimum_stay_not_met", http.StatusUnprocessableEntity},
	{domain.ErrMaxGuestsExceeded, "max_guests_exceeded", http.StatusUnprocessableEntity},
	{domain.ErrInvalidInput, "invalid_input", http.StatusBadRequest},
	{domain.ErrForbidden, "forbidden", http.StatusForbidden},
	{domain.ErrNotFound, "not_found", http.StatusNotFound},
	{domain.ErrAlreadyPaid, "already_paid", http.StatusConflict},
	{domain.ErrMaxRetriesExceeded, "max_retries_exceeded", http.StatusTooManyRequests},
	{domain.ErrRefundNotAllowed, "refund_not_allowed", http.StatusConflict},
	{domain.ErrHoldExpired, "hold_expired", http.StatusConflict},
	{domain.ErrInvalidTransition, "invalid_state", http.StatusConflict},
	{domain.ErrModificationNotAllowed, "modification_not_allowed", http.StatusConflict},
	{domain.ErrSerializationFailure, "conflict", http.StatusConflict},
	{domain.ErrConflict, "conflict", http.StatusConflict},
	{domain.ErrPaymentGatewayUnavailable, "payment_gateway_unavailable", http.StatusServiceUnavailable},
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps err to its status and body. Unclassified errors are logged
// and reported without detail.
func writeError(w http.ResponseWriter, r *http.Request, fallback observability.Logger, err error) {
	for _, k := range errorKinds {
		if !errors.Is(err, k.err) {
			continue
		}
		body := errorBody{Error: k.code, Message: err.Error(), Hints: errors.GetAllHints(err)}
		for _, d := range domain.ConflictingDates(err) {
			body.ConflictingDates = append(body.ConflictingDates, d.Format(domain.DateLayout))
		}
		if k.status == http.StatusServiceUnavailable {
			w.Header().Set("Retry-After", "30")
		}
		writeJSON(w, k.status, body)
		return
	}

	observability.FromContext(r.Context(), fallback).WithError(err).Error("request failed")
	writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal", Message: "internal error"})
}

func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Mark(errors.Wrap(err, "decode request body"), domain.ErrInvalidInput)
	}
	return nil
}

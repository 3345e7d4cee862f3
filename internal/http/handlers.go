package http

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/robertarktes/vacation-rental-bookings/internal/availability"
	"github.com/robertarktes/vacation-rental-bookings/internal/domain"
	"github.com/robertarktes/vacation-rental-bookings/internal/observability"
	"github.com/robertarktes/vacation-rental-bookings/internal/payment"
	"github.com/robertarktes/vacation-rental-bookings/internal/reservation"
	"github.com/robertarktes/vacation-rental-bookings/internal/webhook"
)

const (
	SignatureHeader = "Stripe-Signature"
	maxWebhookBody  = 1 << 20
)

// ReadinessCheck reports whether a backing service is reachable.
type ReadinessCheck func(ctx context.Context) error

type Handlers struct {
	reservations *reservation.Manager
	ledger       *availability.Ledger
	payments     *payment.Orchestrator
	webhooks     *webhook.Processor
	logger       observability.Logger
	checks       map[string]ReadinessCheck
}

func NewHandlers(reservations *reservation.Manager, ledger *availability.Ledger, payments *payment.Orchestrator, webhooks *webhook.Processor, logger observability.Logger, checks map[string]ReadinessCheck) *Handlers {
	return &Handlers{
		reservations: reservations,
		ledger:       ledger,
		payments:     payments,
		webhooks:     webhooks,
		logger:       logger,
		checks:       checks,
	}
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, h.logger, err)
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, errors.Mark(errors.Wrap(err, "invalid id"), domain.ErrInvalidInput)
	}
	return id, nil
}

type stayRequest struct {
	CheckIn    string `json:"checkIn"`
	CheckOut   string `json:"checkOut"`
	GuestCount int    `json:"guestCount"`
}

func (s stayRequest) dates() (time.Time, time.Time, error) {
	in, err := domain.ParseDate(s.CheckIn)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	out, err := domain.ParseDate(s.CheckOut)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return in, out, nil
}

func (h *Handlers) CreateReservation(w http.ResponseWriter, r *http.Request) {
	var req stayRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	in, out, err := req.dates()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.reservations.Create(r.Context(), ActorFrom(r.Context()).SubjectID, in, out, req.GuestCount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, reservationViewOf(res))
}

func (h *Handlers) GetReservation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.reservations.Get(r.Context(), id, ActorFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reservationViewOf(res))
}

func (h *Handlers) ModifyReservation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req stayRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	in, out, err := req.dates()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.reservations.Modify(r.Context(), id, ActorFrom(r.Context()), in, out, req.GuestCount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reservationViewOf(res))
}

func (h *Handlers) CancelReservation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out, err := h.payments.CancelReservation(r.Context(), ActorFrom(r.Context()), id)
	if err != nil && out.Reservation.ID == uuid.Nil {
		h.fail(w, r, err)
		return
	}
	view := cancelView{Reservation: reservationViewOf(out.Reservation), RefundFraction: out.RefundFraction}
	if out.Refund != nil {
		rv := refundViewOf(*out.Refund)
		view.Refund = &rv
	}
	if err != nil {
		// cancelled, but the refund must be retried
		observability.FromContext(r.Context(), h.logger).WithError(err).WithField("reservation_id", id).Error("refund after cancel failed")
		view.RefundError = err.Error()
		view.Hints = errors.GetAllHints(err)
	}
	writeJSON(w, http.StatusOK, view)
}

func rangeQuery(r *http.Request, fromKey, toKey string) (domain.DateRange, error) {
	from, err := domain.ParseDate(r.URL.Query().Get(fromKey))
	if err != nil {
		return domain.DateRange{}, err
	}
	to, err := domain.ParseDate(r.URL.Query().Get(toKey))
	if err != nil {
		return domain.DateRange{}, err
	}
	return domain.NewDateRange(from, to)
}

const maxAvailabilityWindow = 366

func (h *Handlers) GetAvailability(w http.ResponseWriter, r *http.Request) {
	window, err := rangeQuery(r, "from", "to")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if window.Nights() > maxAvailabilityWindow {
		h.fail(w, r, errors.Wrapf(domain.ErrInvalidInput, "window is limited to %d days", maxAvailabilityWindow))
		return
	}
	taken, err := h.ledger.Query(r.Context(), window)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	view := availabilityView{
		From:        window.CheckIn.Format(domain.DateLayout),
		To:          window.CheckOut.Format(domain.DateLayout),
		Unavailable: []string{},
	}
	for _, d := range taken {
		view.Unavailable = append(view.Unavailable, d.Format(domain.DateLayout))
	}
	writeJSON(w, http.StatusOK, view)
}

type blockRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (h *Handlers) BlockDates(w http.ResponseWriter, r *http.Request) {
	if !ActorFrom(r.Context()).Admin {
		h.fail(w, r, domain.ErrForbidden)
		return
	}
	var req blockRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	from, err := domain.ParseDate(req.From)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	to, err := domain.ParseDate(req.To)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	window, err := domain.NewDateRange(from, to)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.ledger.Block(r.Context(), window); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) UnblockDates(w http.ResponseWriter, r *http.Request) {
	if !ActorFrom(r.Context()).Admin {
		h.fail(w, r, domain.ErrForbidden)
		return
	}
	window, err := rangeQuery(r, "from", "to")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.ledger.Unblock(r.Context(), window); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type checkoutRequest struct {
	ReservationID uuid.UUID `json:"reservationId"`
	SuccessURL    string    `json:"successUrl,omitempty"`
	CancelURL     string    `json:"cancelUrl,omitempty"`
}

func (h *Handlers) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.ReservationID == uuid.Nil {
		h.fail(w, r, errors.Wrap(domain.ErrInvalidInput, "reservationId is required"))
		return
	}
	c, err := h.payments.CreateCheckoutSession(r.Context(), ActorFrom(r.Context()), req.ReservationID, req.SuccessURL, req.CancelURL)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, checkoutViewOf(c))
}

type retryRequest struct {
	SuccessURL string `json:"successUrl,omitempty"`
	CancelURL  string `json:"cancelUrl,omitempty"`
}

func (h *Handlers) RetryPayment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req retryRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil && !errors.Is(err, io.EOF) {
			h.fail(w, r, err)
			return
		}
	}
	c, err := h.payments.Retry(r.Context(), ActorFrom(r.Context()), id, req.SuccessURL, req.CancelURL)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, checkoutViewOf(c))
}

type refundRequest struct {
	Amount *int64 `json:"amount,omitempty"`
}

func (h *Handlers) RefundPayment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req refundRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil && !errors.Is(err, io.EOF) {
			h.fail(w, r, err)
			return
		}
	}
	actor := ActorFrom(r.Context())
	var res payment.RefundResult
	if req.Amount != nil {
		res, err = h.payments.RefundAmount(r.Context(), actor, id, *req.Amount)
	} else {
		res, err = h.payments.RefundByPolicy(r.Context(), actor, id)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, refundViewOf(res))
}

func (h *Handlers) PaymentStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	st, err := h.payments.Status(r.Context(), ActorFrom(r.Context()), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusViewOf(st))
}

func (h *Handlers) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		h.fail(w, r, errors.Mark(errors.Wrap(err, "read webhook body"), domain.ErrInvalidInput))
		return
	}
	res, err := h.webhooks.Handle(r.Context(), payload, r.Header.Get(SignatureHeader))
	if errors.Is(err, domain.ErrInvalidSignature) {
		observability.FromContext(r.Context(), h.logger).WithField("remote_addr", r.RemoteAddr).Warn("webhook rejected: invalid signature")
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_signature", Message: "signature verification failed"})
		return
	}
	if errors.Is(err, domain.ErrInvalidInput) {
		// redelivering an undecodable event cannot succeed
		observability.FromContext(r.Context(), h.logger).WithError(err).Error("webhook rejected: undecodable event")
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_payload", Message: "event payload could not be decoded"})
		return
	}
	if err != nil {
		// non-2xx makes the gateway redeliver
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "processing_failed", Message: "event not processed, retry later"})
		return
	}
	writeJSON(w, http.StatusOK, webhookViewOf(res))
}

// Deliver feeds a sandbox delivery straight into the webhook processor.
func (h *Handlers) Deliver(ctx context.Context, payload []byte, signature string) (interface{}, error) {
	res, err := h.webhooks.Handle(ctx, payload, signature)
	if err != nil {
		return nil, err
	}
	return webhookViewOf(res), nil
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := map[string]string{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"ready": false, "failed": failed})
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Ready"))
}

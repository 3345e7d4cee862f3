package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/robertarktes/vacation-rental-bookings/internal/idempotency"
	"github.com/robertarktes/vacation-rental-bookings/internal/observability"
	"github.com/robertarktes/vacation-rental-bookings/internal/rateLimit"
)

type RouterOptions struct {
	RateLimiter        *rateLimit.RateLimiter
	RateLimitPerMinute int
	Idempotency        *idempotency.Idempotency
	// Sandbox, when set, is mounted at /sandbox to drive the simulated gateway.
	Sandbox http.Handler
}

func SetupRouter(h *Handlers, logger observability.Logger, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(LoggerMiddleware(logger))
	r.Use(TracingMiddleware)
	r.Use(MetricsMiddleware)

	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Post("/webhooks/payment-gateway", h.PaymentWebhook)
	if opts.Sandbox != nil {
		r.Mount("/sandbox", opts.Sandbox)
	}

	r.Group(func(r chi.Router) {
		r.Use(IdentityMiddleware)
		r.Use(RateLimitMiddleware(opts.RateLimiter, opts.RateLimitPerMinute))
		r.Use(IdempotencyMiddleware(opts.Idempotency, logger))

		r.Post("/reservations", h.CreateReservation)
		r.Get("/reservations/{id}", h.GetReservation)
		r.Patch("/reservations/{id}", h.ModifyReservation)
		r.Post("/reservations/{id}/cancel", h.CancelReservation)

		r.Get("/availability", h.GetAvailability)
		r.Post("/admin/blocks", h.BlockDates)
		r.Delete("/admin/blocks", h.UnblockDates)

		r.Post("/payments/checkout-session", h.CreateCheckoutSession)
		r.Post("/payments/{id}/retry", h.RetryPayment)
		r.Post("/payments/{id}/refund", h.RefundPayment)
		r.Get("/payments/{id}/status", h.PaymentStatus)
	})

	return r
}

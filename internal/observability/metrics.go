package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rental_requests_total",
			Help: "Total number of requests",
		},
		[]string{"route", "code", "method"},
	)

	DBTxDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rental_db_tx_seconds",
			Help:    "Duration of DB transactions",
			Buckets: prometheus.DefBuckets,
		},
	)

	OutboxLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rental_outbox_lag_seconds",
			Help: "Age of the oldest event published in the last outbox batch",
		},
	)

	RabbitPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rental_rabbit_publish_retries_total",
			Help: "Total rabbit publish retries",
		},
	)

	RateLimitExceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rental_rate_limit_exceeded_total",
			Help: "Total rate limit exceeded",
		},
	)

	HoldConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rental_hold_conflicts_total",
			Help: "Holds rejected because a date in the range was not open",
		},
	)

	ReservationsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rental_reservations_expired_total",
			Help: "Pending reservations reclaimed by the expiry sweep",
		},
	)

	WebhookOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rental_webhook_events_total",
			Help: "Processed gateway webhook events by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	GatewayRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rental_gateway_retries_total",
			Help: "Transient payment gateway failures that were retried",
		},
		[]string{"operation"},
	)

	RefundsIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rental_refunds_requested_total",
			Help: "Refunds requested from the payment gateway",
		},
	)
)

// Package webhook turns signed gateway deliveries into state transitions,
// exactly once per gateway event id.
package webhook

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/robertarktes/vacation-rental-bookings/internal/domain"
	"github.com/robertarktes/vacation-rental-bookings/internal/gateway"
	"github.com/robertarktes/vacation-rental-bookings/internal/observability"
)

type EventStore interface {
	GetWebhookEvent(ctx context.Context, eventID string) (domain.WebhookEventRecord, error)
	// RecordWebhookEvent stores rec, replacing an earlier record only when that
	// one ended in error.
	RecordWebhookEvent(ctx context.Context, rec domain.WebhookEventRecord) error
}

// Applier performs the state transition for each event kind.
type Applier interface {
	ApplyCheckoutCompleted(ctx context.Context, ev domain.CheckoutCompleted) (domain.WebhookOutcome, error)
	ApplyCheckoutFailed(ctx context.Context, ev domain.CheckoutFailed) (domain.WebhookOutcome, error)
	ApplyRefundCompleted(ctx context.Context, ev domain.RefundCompleted) (domain.WebhookOutcome, error)
}

type AuditEntry struct {
	EventID    string
	EventType  string
	Outcome    domain.WebhookOutcome
	ReceivedAt time.Time
	Payload    []byte
	Error      string
}

// Auditor keeps the raw verified payloads for investigation.
type Auditor interface {
	Append(ctx context.Context, e AuditEntry) error
}

type Result struct {
	EventID   string
	EventType string
	Outcome   domain.WebhookOutcome
}

type Processor struct {
	verifier gateway.Verifier
	events   EventStore
	applier  Applier
	auditor  Auditor
	logger   observability.Logger
	timeout  time.Duration
	ttl      time.Duration
	now      func() time.Time
}

func NewProcessor(verifier gateway.Verifier, events EventStore, applier Applier, auditor Auditor, logger observability.Logger, timeout, ttl time.Duration) *Processor {
	return &Processor{
		verifier: verifier,
		events:   events,
		applier:  applier,
		auditor:  auditor,
		logger:   logger,
		timeout:  timeout,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Handle verifies, deduplicates and applies one delivery. A bad signature
// returns domain.ErrInvalidSignature and a verified payload that cannot be
// decoded returns domain.ErrInvalidInput; every other error is marked
// domain.ErrRetryable so the gateway redelivers.
func (p *Processor) Handle(ctx context.Context, payload []byte, signature string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	ctx, span := observability.Tracer().Start(ctx, "webhook.handle")
	defer span.End()

	ev, err := p.verifier.Verify(payload, signature)
	if err != nil {
		span.SetStatus(codes.Error, "verification failed")
		if errors.Is(err, domain.ErrInvalidSignature) {
			observability.WebhookOutcomes.WithLabelValues("unknown", "invalid_signature").Inc()
			p.logger.WithError(err).Warn("webhook signature rejected")
			return Result{}, err
		}
		return Result{}, errors.Mark(errors.Wrap(err, "decode webhook"), domain.ErrInvalidInput)
	}

	res := Result{EventID: ev.EventID(), EventType: ev.EventType()}
	span.SetAttributes(attribute.String("webhook.event_id", res.EventID), attribute.String("webhook.event_type", res.EventType))
	log := p.logger.WithFields(map[string]interface{}{"event_id": res.EventID, "event_type": res.EventType})
	received := p.now()

	prior, err := p.events.GetWebhookEvent(ctx, res.EventID)
	switch {
	case err == nil && prior.Outcome != domain.OutcomeError:
		res.Outcome = domain.OutcomeDuplicate
		observability.WebhookOutcomes.WithLabelValues(res.EventType, string(res.Outcome)).Inc()
		log.Debug("webhook event already processed")
		return res, nil
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return res, p.fail(ctx, log, res, payload, received, errors.Wrap(err, "load webhook event"))
	}

	outcome, err := p.dispatch(ctx, ev)
	if err != nil {
		span.RecordError(err)
		return res, p.fail(ctx, log, res, payload, received, err)
	}
	res.Outcome = outcome

	if err := p.events.RecordWebhookEvent(ctx, p.record(res, received)); err != nil {
		// the transition is idempotent, so a redelivery is harmless
		return res, errors.Mark(errors.Wrap(err, "record webhook event"), domain.ErrRetryable)
	}
	observability.WebhookOutcomes.WithLabelValues(res.EventType, string(res.Outcome)).Inc()
	p.audit(ctx, log, AuditEntry{EventID: res.EventID, EventType: res.EventType, Outcome: outcome, ReceivedAt: received, Payload: payload})
	log.WithField("outcome", outcome).Info("webhook event processed")
	return res, nil
}

func (p *Processor) dispatch(ctx context.Context, ev domain.GatewayEvent) (domain.WebhookOutcome, error) {
	switch e := ev.(type) {
	case domain.CheckoutCompleted:
		return p.applier.ApplyCheckoutCompleted(ctx, e)
	case domain.CheckoutFailed:
		return p.applier.ApplyCheckoutFailed(ctx, e)
	case domain.RefundCompleted:
		return p.applier.ApplyRefundCompleted(ctx, e)
	}
	// unhandled types are acknowledged without a state change
	return domain.OutcomeApplied, nil
}

func (p *Processor) record(res Result, received time.Time) domain.WebhookEventRecord {
	return domain.WebhookEventRecord{
		EventID:    res.EventID,
		EventType:  res.EventType,
		ReceivedAt: received,
		Outcome:    res.Outcome,
		ExpiresAt:  received.Add(p.ttl),
	}
}

func (p *Processor) fail(ctx context.Context, log observability.Logger, res Result, payload []byte, received time.Time, cause error) error {
	log.WithError(cause).Error("webhook processing failed")
	observability.WebhookOutcomes.WithLabelValues(res.EventType, string(domain.OutcomeError)).Inc()

	res.Outcome = domain.OutcomeError
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := p.events.RecordWebhookEvent(rctx, p.record(res, received)); err != nil {
		log.WithError(err).Warn("failed to record webhook error")
	}
	p.audit(rctx, log, AuditEntry{
		EventID: res.EventID, EventType: res.EventType, Outcome: domain.OutcomeError,
		ReceivedAt: received, Payload: payload, Error: cause.Error(),
	})
	return errors.Mark(cause, domain.ErrRetryable)
}

func (p *Processor) audit(ctx context.Context, log observability.Logger, e AuditEntry) {
	if p.auditor == nil {
		return
	}
	if err := p.auditor.Append(ctx, e); err != nil {
		log.WithError(err).Warn("failed to append webhook audit entry")
	}
}

// Package sandbox simulates a hosted-checkout provider in process. Sessions,
// charges and refunds live in memory and every outcome is delivered as a
// Stripe-format event signed with the configured webhook secret, so the real
// webhook verifier and processor handle sandbox traffic unchanged.
package sandbox

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/robertarktes/vacation-rental-bookings/internal/domain"
	"github.com/robertarktes/vacation-rental-bookings/internal/gateway"
)

const apiVersion = "2023-10-16"

var (
	ErrUnknownSession = errors.New("sandbox: unknown checkout session")
	// ErrIdempotencyMismatch is returned when an idempotency key is reused with
	// different request parameters.
	ErrIdempotencyMismatch = errors.New("sandbox: idempotency key reused with different parameters")
)

type sessionState string

const (
	sessionOpen     sessionState = "open"
	sessionComplete sessionState = "complete"
	sessionExpired  sessionState = "expired"
)

type session struct {
	id            string
	reservationID string
	amount        int64
	currency      string
	expiresAt     time.Time
	state         sessionState
	paymentIntent string
}

type charge struct {
	paymentIntent string
	amount        int64
	refunded      int64
}

type refund struct {
	id            string
	paymentIntent string
	amount        int64
	settled       bool
}

// Delivery is a signed webhook request body and its signature header value.
type Delivery struct {
	Payload   []byte
	Signature string
}

type Gateway struct {
	mu        sync.Mutex
	secret    string
	baseURL   string
	now       func() time.Time
	sessions  map[string]*session
	byKey     map[string]string
	charges   map[string]*charge
	refunds   map[string]*refund
	refundKey map[string]string
	failNext  int
	loseNext  int
}

func New(secret, baseURL string) *Gateway {
	return &Gateway{
		secret:    secret,
		baseURL:   strings.TrimRight(baseURL, "/"),
		now:       time.Now,
		sessions:  make(map[string]*session),
		byKey:     make(map[string]string),
		charges:   make(map[string]*charge),
		refunds:   make(map[string]*refund),
		refundKey: make(map[string]string),
	}
}

// SetClock replaces the clock used for session expiry. Event signatures always
// use the wall clock so they pass the verifier's timestamp tolerance.
func (g *Gateway) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

// FailNext makes the next n gateway calls fail with a transient error.
func (g *Gateway) FailNext(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failNext = n
}

// LoseNextSessionResponses makes the next n session creations take effect but
// fail with a transient error, as when the response is lost in transit.
func (g *Gateway) LoseNextSessionResponses(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.loseNext = n
}

func (g *Gateway) transient() error {
	if g.failNext > 0 {
		g.failNext--
		return errors.Mark(errors.New("sandbox: simulated 503"), domain.ErrGatewayTransient)
	}
	return nil
}

func newID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

func (g *Gateway) CreateCheckoutSession(_ context.Context, req gateway.CheckoutRequest) (*gateway.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.transient(); err != nil {
		return nil, err
	}
	if id, ok := g.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		s := g.sessions[id]
		if s.amount != req.AmountMinorUnits || s.currency != req.Currency || !s.expiresAt.Equal(req.ExpiresAt) {
			return nil, errors.Wrapf(ErrIdempotencyMismatch, "key %s", req.IdempotencyKey)
		}
		return g.lossy(s)
	}
	if req.AmountMinorUnits <= 0 {
		return nil, errors.Newf("sandbox: invalid amount %d", req.AmountMinorUnits)
	}
	s := &session{
		id:            newID("cs_test_"),
		reservationID: req.ReservationID,
		amount:        req.AmountMinorUnits,
		currency:      req.Currency,
		expiresAt:     req.ExpiresAt,
		state:         sessionOpen,
	}
	g.sessions[s.id] = s
	if req.IdempotencyKey != "" {
		g.byKey[req.IdempotencyKey] = s.id
	}
	return g.lossy(s)
}

func (g *Gateway) lossy(s *session) (*gateway.Session, error) {
	if g.loseNext > 0 {
		g.loseNext--
		return nil, errors.Mark(errors.New("sandbox: response lost"), domain.ErrGatewayTransient)
	}
	return g.view(s), nil
}

func (g *Gateway) view(s *session) *gateway.Session {
	return &gateway.Session{ID: s.id, URL: g.baseURL + "/sandbox/checkout/" + s.id, ExpiresAt: s.expiresAt}
}

func (g *Gateway) ExpireCheckoutSession(_ context.Context, sessionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.transient(); err != nil {
		return err
	}
	s, ok := g.sessions[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	if s.state == sessionComplete {
		return errors.Newf("sandbox: session %s is already complete", sessionID)
	}
	s.state = sessionExpired
	return nil
}

func (g *Gateway) Refund(_ context.Context, req gateway.RefundRequest) (*gateway.Refund, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.transient(); err != nil {
		return nil, err
	}
	if id, ok := g.refundKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		r := g.refunds[id]
		return &gateway.Refund{ID: r.id, AmountMinorUnits: r.amount, Status: refundStatus(r)}, nil
	}
	c, ok := g.charges[req.ChargeID]
	if !ok {
		return nil, errors.Newf("sandbox: unknown charge %s", req.ChargeID)
	}
	if req.AmountMinorUnits <= 0 || c.refunded+req.AmountMinorUnits > c.amount {
		return nil, errors.Newf("sandbox: refund of %d exceeds refundable amount", req.AmountMinorUnits)
	}
	c.refunded += req.AmountMinorUnits
	r := &refund{id: newID("re_"), paymentIntent: c.paymentIntent, amount: req.AmountMinorUnits}
	g.refunds[r.id] = r
	if req.IdempotencyKey != "" {
		g.refundKey[req.IdempotencyKey] = r.id
	}
	return &gateway.Refund{ID: r.id, AmountMinorUnits: r.amount, Status: refundStatus(r)}, nil
}

func refundStatus(r *refund) string {
	if r.settled {
		return "succeeded"
	}
	return "pending"
}

// Pay completes an open session as if the guest paid on the hosted page and
// returns the checkout.session.completed delivery.
func (g *Gateway) Pay(sessionID string) (Delivery, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.sessions[sessionID]
	if !ok {
		return Delivery{}, ErrUnknownSession
	}
	if s.state != sessionOpen || !g.now().Before(s.expiresAt) {
		return Delivery{}, errors.Newf("sandbox: session %s is not payable", sessionID)
	}
	s.state = sessionComplete
	s.paymentIntent = newID("pi_")
	g.charges[s.paymentIntent] = &charge{paymentIntent: s.paymentIntent, amount: s.amount}

	return g.event("checkout.session.completed", g.sessionObject(s, "paid"))
}

// Abandon lets an open session lapse and returns the checkout.session.expired delivery.
func (g *Gateway) Abandon(sessionID string) (Delivery, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.sessions[sessionID]
	if !ok {
		return Delivery{}, ErrUnknownSession
	}
	if s.state == sessionComplete {
		return Delivery{}, errors.Newf("sandbox: session %s is already complete", sessionID)
	}
	s.state = sessionExpired
	return g.event("checkout.session.expired", g.sessionObject(s, "unpaid"))
}

// SettleRefund marks a refund as succeeded and returns the charge.refunded delivery.
func (g *Gateway) SettleRefund(refundID string) (Delivery, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.refunds[refundID]
	if !ok {
		return Delivery{}, errors.Newf("sandbox: unknown refund %s", refundID)
	}
	r.settled = true
	c := g.charges[r.paymentIntent]
	return g.event("charge.refunded", map[string]interface{}{
		"id":              "ch_" + strings.TrimPrefix(c.paymentIntent, "pi_"),
		"object":          "charge",
		"amount":          c.amount,
		"amount_refunded": r.amount,
		"payment_intent":  c.paymentIntent,
		"refunded":        c.refunded == c.amount,
		"refunds": map[string]interface{}{
			"object": "list",
			"data": []map[string]interface{}{{
				"id":             r.id,
				"object":         "refund",
				"amount":         r.amount,
				"payment_intent": r.paymentIntent,
				"status":         "succeeded",
			}},
		},
	})
}

func (g *Gateway) sessionObject(s *session, paymentStatus string) map[string]interface{} {
	obj := map[string]interface{}{
		"id":                  s.id,
		"object":              "checkout.session",
		"amount_total":        s.amount,
		"currency":            s.currency,
		"client_reference_id": s.reservationID,
		"expires_at":          s.expiresAt.Unix(),
		"metadata":            map[string]string{"reservation_id": s.reservationID},
		"mode":                "payment",
		"payment_status":      paymentStatus,
		"status":              string(s.state),
		"url":                 g.baseURL + "/sandbox/checkout/" + s.id,
	}
	if s.paymentIntent != "" {
		obj["payment_intent"] = s.paymentIntent
	}
	return obj
}

func (g *Gateway) event(eventType string, object map[string]interface{}) (Delivery, error) {
	now := time.Now()
	payload, err := json.Marshal(map[string]interface{}{
		"id":          newID("evt_"),
		"object":      "event",
		"api_version": apiVersion,
		"created":     now.Unix(),
		"livemode":    false,
		"type":        eventType,
		"data":        map[string]interface{}{"object": object},
	})
	if err != nil {
		return Delivery{}, errors.Wrap(err, "marshal sandbox event")
	}
	return Delivery{Payload: payload, Signature: Sign(payload, g.secret, now)}, nil
}

// Sign produces a Stripe-Signature header value for payload.
func Sign(payload []byte, secret string, at time.Time) string {
	sig := webhook.ComputeSignature(at, payload, secret)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(sig))
}

// SessionView is what the simulated hosted page shows.
type SessionView struct {
	ID            string    `json:"id"`
	ReservationID string    `json:"reservationId"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	State         string    `json:"state"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

func (g *Gateway) Session(sessionID string) (SessionView, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.sessions[sessionID]
	if !ok {
		return SessionView{}, ErrUnknownSession
	}
	return SessionView{
		ID:            s.id,
		ReservationID: s.reservationID,
		Amount:        s.amount,
		Currency:      s.currency,
		State:         string(s.state),
		ExpiresAt:     s.expiresAt,
	}, nil
}

package domain

// Gateway event types understood by the webhook processor.
const (
	EventCheckoutCompleted = "checkout_completed"
	EventCheckoutFailed    = "checkout_failed"
	EventRefundCompleted   = "refund_completed"
)

// GatewayEvent is a verified notification from the payment gateway. The set of
// implementations is closed; anything the engine does not act on arrives as
// UnhandledEvent.
type GatewayEvent interface {
	EventID() string
	EventType() string
	gatewayEvent()
}

type eventHeader struct {
	ID   string
	Type string
}

func (h eventHeader) EventID() string   { return h.ID }
func (h eventHeader) EventType() string { return h.Type }
func (eventHeader) gatewayEvent()       {}

type CheckoutCompleted struct {
	eventHeader
	SessionID     string
	ReservationID string
	ChargeID      string
	AmountMinor   int64
}

type CheckoutFailed struct {
	eventHeader
	SessionID string
}

type RefundCompleted struct {
	eventHeader
	ChargeID    string
	RefundID    string
	AmountMinor int64
}

// UnhandledEvent keeps the gateway's own type name for audit.
type UnhandledEvent struct {
	eventHeader
}

func NewCheckoutCompleted(id, sessionID, reservationID, chargeID string, amount int64) CheckoutCompleted {
	return CheckoutCompleted{
		eventHeader:   eventHeader{ID: id, Type: EventCheckoutCompleted},
		SessionID:     sessionID,
		ReservationID: reservationID,
		ChargeID:      chargeID,
		AmountMinor:   amount,
	}
}

func NewCheckoutFailed(id, sessionID string) CheckoutFailed {
	return CheckoutFailed{eventHeader: eventHeader{ID: id, Type: EventCheckoutFailed}, SessionID: sessionID}
}

func NewRefundCompleted(id, chargeID, refundID string, amount int64) RefundCompleted {
	return RefundCompleted{
		eventHeader: eventHeader{ID: id, Type: EventRefundCompleted},
		ChargeID:    chargeID,
		RefundID:    refundID,
		AmountMinor: amount,
	}
}

func NewUnhandledEvent(id, gatewayType string) UnhandledEvent {
	return UnhandledEvent{eventHeader: eventHeader{ID: id, Type: gatewayType}}
}

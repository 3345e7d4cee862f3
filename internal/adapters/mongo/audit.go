package mongo

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/robertarktes/vacation-rental-bookings/internal/observability"
	"github.com/robertarktes/vacation-rental-bookings/internal/webhook"
)

// AuditLogger appends verified webhook payloads to the webhook_audit collection.
type AuditLogger struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewAuditLogger(db *mongo.Database, logger observability.Logger) *AuditLogger {
	return &AuditLogger{
		coll:   db.Collection("webhook_audit"),
		logger: logger,
	}
}

type AuditLog struct {
	ID         string    `bson:"_id"`
	EventID    string    `bson:"event_id"`
	EventType  string    `bson:"event_type"`
	Outcome    string    `bson:"outcome"`
	ReceivedAt time.Time `bson:"received_at"`
	Error      string    `bson:"error,omitempty"`
	Payload    bson.M    `bson:"payload,omitempty"`
	Raw        string    `bson:"raw,omitempty"`
}

// EnsureIndexes creates the lookup index by gateway event id.
func (a *AuditLogger) EnsureIndexes(ctx context.Context) error {
	_, err := a.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "event_id", Value: 1}, {Key: "received_at", Value: -1}},
		Options: options.Index().SetName("event_id_received_at"),
	})
	return errors.Wrap(err, "create webhook_audit index")
}

func (a *AuditLogger) Append(ctx context.Context, e webhook.AuditEntry) error {
	log := AuditLog{
		ID:         uuid.NewString(),
		EventID:    e.EventID,
		EventType:  e.EventType,
		Outcome:    string(e.Outcome),
		ReceivedAt: e.ReceivedAt,
		Error:      e.Error,
	}
	var payload bson.M
	if err := bson.UnmarshalExtJSON(e.Payload, false, &payload); err == nil {
		log.Payload = payload
	} else {
		log.Raw = string(e.Payload)
	}

	if _, err := a.coll.InsertOne(ctx, log); err != nil {
		a.logger.WithError(err).WithField("event_id", e.EventID).Error("failed to insert webhook audit")
		return errors.Wrap(err, "insert webhook audit")
	}
	return nil
}

package mongo

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/robertarktes/vacation-rental-bookings/internal/domain"
	"github.com/robertarktes/vacation-rental-bookings/internal/observability"
	"github.com/robertarktes/vacation-rental-bookings/internal/pricing"
)

// Connect opens a client and pings the primary.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "connect mongo")
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "ping mongo")
	}
	return client, nil
}

type CatalogRepository struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewCatalogRepository(db *mongo.Database, logger observability.Logger) *CatalogRepository {
	return &CatalogRepository{
		coll:   db.Collection("properties"),
		logger: logger,
	}
}

type PropertyDoc struct {
	ID          string      `bson:"_id"`
	Name        string      `bson:"name"`
	Currency    string      `bson:"currency"`
	MaxGuests   int         `bson:"max_guests"`
	MinNights   int         `bson:"min_nights"`
	NightlyRate int64       `bson:"nightly_rate"`
	CleaningFee int64       `bson:"cleaning_fee"`
	Seasons     []SeasonDoc `bson:"seasons"`
	CreatedAt   time.Time   `bson:"created_at"`
	UpdatedAt   time.Time   `bson:"updated_at"`
}

type SeasonDoc struct {
	Name        string `bson:"name"`
	Start       string `bson:"start"`
	End         string `bson:"end"`
	NightlyRate int64  `bson:"nightly_rate"`
	MinNights   int    `bson:"min_nights"`
}

func (d PropertyDoc) Property() pricing.Property {
	p := pricing.Property{
		ID:          d.ID,
		Name:        d.Name,
		Currency:    d.Currency,
		MaxGuests:   d.MaxGuests,
		MinNights:   d.MinNights,
		NightlyRate: d.NightlyRate,
		CleaningFee: d.CleaningFee,
	}
	for _, s := range d.Seasons {
		p.Seasons = append(p.Seasons, pricing.Season{
			Name:        s.Name,
			Start:       s.Start,
			End:         s.End,
			NightlyRate: s.NightlyRate,
			MinNights:   s.MinNights,
		})
	}
	return p
}

// GetProperty returns domain.ErrNotFound when the catalog has no such property.
func (c *CatalogRepository) GetProperty(ctx context.Context, id string) (pricing.Property, error) {
	var doc PropertyDoc
	err := c.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return pricing.Property{}, errors.Wrapf(domain.ErrNotFound, "property %s", id)
	}
	if err != nil {
		c.logger.WithError(err).WithField("property_id", id).Error("failed to get property")
		return pricing.Property{}, errors.Wrapf(err, "find property %s", id)
	}
	return doc.Property(), nil
}

// SaveProperty upserts a property definition.
func (c *CatalogRepository) SaveProperty(ctx context.Context, doc PropertyDoc) error {
	now := time.Now().UTC()
	doc.UpdatedAt = now
	_, err := c.coll.UpdateOne(ctx,
		bson.M{"_id": doc.ID},
		bson.M{
			"$set": bson.M{
				"name":         doc.Name,
				"currency":     doc.Currency,
				"max_guests":   doc.MaxGuests,
				"min_nights":   doc.MinNights,
				"nightly_rate": doc.NightlyRate,
				"cleaning_fee": doc.CleaningFee,
				"seasons":      doc.Seasons,
				"updated_at":   doc.UpdatedAt,
			},
			"$setOnInsert": bson.M{"created_at": now},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		c.logger.WithError(err).WithField("property_id", doc.ID).Error("failed to save property")
		return errors.Wrapf(err, "save property %s", doc.ID)
	}
	return nil
}

// Package pricing prices a stay and enforces the property's occupancy rules.
package pricing

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/robertarktes/vacation-rental-bookings/internal/domain"
)

type Quote struct {
	Nights      int
	TotalMinor  int64
	Currency    string
	MinNights   int
	NightlyRate []int64
}

type Quoter interface {
	Quote(ctx context.Context, stay domain.DateRange, guests int) (Quote, error)
}

// Season overrides the nightly rate and minimum stay between Start and End,
// both "MM-DD" and inclusive. A season may wrap the new year (12-20 .. 01-05).
type Season struct {
	Name        string
	Start       string
	End         string
	NightlyRate int64
	MinNights   int
}

func (s Season) covers(day time.Time) bool {
	md := day.Format("01-02")
	if s.Start <= s.End {
		return md >= s.Start && md <= s.End
	}
	return md >= s.Start || md <= s.End
}

type Property struct {
	ID          string
	Name        string
	Currency    string
	MaxGuests   int
	MinNights   int
	NightlyRate int64
	CleaningFee int64
	Seasons     []Season
}

func (p Property) season(day time.Time) (Season, bool) {
	for _, s := range p.Seasons {
		if s.covers(day) {
			return s, true
		}
	}
	return Season{}, false
}

// Quote applies the rules in order: guest count, minimum stay of the check-in
// night's season, then nightly rates summed over the stay plus the cleaning fee.
func (p Property) Quote(stay domain.DateRange, guests int) (Quote, error) {
	if guests < 1 {
		return Quote{}, errors.Wrap(domain.ErrInvalidInput, "at least one guest is required")
	}
	if p.MaxGuests > 0 && guests > p.MaxGuests {
		return Quote{}, errors.WithHintf(domain.ErrMaxGuestsExceeded, "this property sleeps at most %d guests", p.MaxGuests)
	}

	minNights := p.MinNights
	if s, ok := p.season(stay.CheckIn); ok && s.MinNights > minNights {
		minNights = s.MinNights
	}
	nights := stay.Nights()
	if nights < minNights {
		return Quote{}, errors.WithHintf(domain.ErrMinimumStayNotMet, "stays starting %s require at least %d nights",
			stay.CheckIn.Format(domain.DateLayout), minNights)
	}

	q := Quote{Nights: nights, Currency: p.Currency, MinNights: minNights, NightlyRate: make([]int64, 0, nights)}
	for _, day := range stay.Days() {
		rate := p.NightlyRate
		if s, ok := p.season(day); ok && s.NightlyRate > 0 {
			rate = s.NightlyRate
		}
		q.NightlyRate = append(q.NightlyRate, rate)
		q.TotalMinor += rate
	}
	q.TotalMinor += p.CleaningFee
	return q, nil
}

// Static quotes from a fixed property definition.
type Static struct {
	Property Property
}

func NewStatic(p Property) *Static {
	return &Static{Property: p}
}

func (s *Static) Quote(_ context.Context, stay domain.DateRange, guests int) (Quote, error) {
	return s.Property.Quote(stay, guests)
}

// PropertySource loads a property definition, e.g. from the catalog.
type PropertySource interface {
	GetProperty(ctx context.Context, id string) (Property, error)
}

// Catalog quotes from the current catalog definition of one property, falling
// back to a static definition when the catalog has none.
type Catalog struct {
	source     PropertySource
	propertyID string
	fallback   Property
}

func NewCatalog(source PropertySource, propertyID string, fallback Property) *Catalog {
	return &Catalog{source: source, propertyID: propertyID, fallback: fallback}
}

func (c *Catalog) Quote(ctx context.Context, stay domain.DateRange, guests int) (Quote, error) {
	p, err := c.source.GetProperty(ctx, c.propertyID)
	if errors.Is(err, domain.ErrNotFound) {
		p = c.fallback
	} else if err != nil {
		return Quote{}, errors.Wrapf(err, "load property %s", c.propertyID)
	}
	return p.Quote(stay, guests)
}

package worker

import (
	"context"
	"time"

	"github.com/robertarktes/vacation-rental-bookings/internal/observability"
)

type Expirer interface {
	ExpireStale(ctx context.Context) (int, error)
}

// EventPruner drops processed webhook records past their retention.
type EventPruner interface {
	PruneWebhookEvents(ctx context.Context, before time.Time) (int64, error)
}

type ExpiryWorker struct {
	expirer Expirer
	events  EventPruner
	logger  observability.Logger
	now     func() time.Time
}

func NewExpiryWorker(expirer Expirer, events EventPruner, logger observability.Logger) *ExpiryWorker {
	return &ExpiryWorker{expirer: expirer, events: events, logger: logger, now: time.Now}
}

func (w *ExpiryWorker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick runs one sweep. Failures are logged; the next tick tries again.
func (w *ExpiryWorker) Tick(ctx context.Context) {
	n, err := w.expirer.ExpireStale(ctx)
	if err != nil {
		w.logger.WithError(err).Error("expiry sweep failed")
	} else if n > 0 {
		w.logger.WithField("count", n).Info("stale reservations expired")
	}

	if w.events == nil {
		return
	}
	pruned, err := w.events.PruneWebhookEvents(ctx, w.now())
	if err != nil {
		w.logger.WithError(err).Error("webhook record pruning failed")
		return
	}
	if pruned > 0 {
		w.logger.WithField("count", pruned).Debug("webhook records pruned")
	}
}

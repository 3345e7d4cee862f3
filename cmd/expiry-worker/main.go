package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/robertarktes/vacation-rental-bookings/internal/adapters/crdb"
	"github.com/robertarktes/vacation-rental-bookings/internal/availability"
	"github.com/robertarktes/vacation-rental-bookings/internal/config"
	"github.com/robertarktes/vacation-rental-bookings/internal/observability"
	"github.com/robertarktes/vacation-rental-bookings/internal/pricing"
	"github.com/robertarktes/vacation-rental-bookings/internal/reservation"
	"github.com/robertarktes/vacation-rental-bookings/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.StoreDriver != config.StoreCRDB {
		log.Fatalf("expiry worker needs STORE_DRIVER=%s; the api sweeps the in-memory store itself", config.StoreCRDB)
	}

	shutdownOtel, err := observability.SetupOTel(context.Background(), cfg, "rental-expiry-worker")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLoggerWithLevel(cfg.LogLevel)

	pool, err := crdb.Connect(context.Background(), cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	repo := crdb.NewRepository(pool)

	ledger := availability.NewLedger(repo, logger)
	// expiry never prices a stay
	quoter := pricing.NewStatic(pricing.Property{ID: cfg.PropertyID, Currency: cfg.Currency})
	manager := reservation.NewManager(repo, ledger, quoter, repo, logger, cfg.HoldTTL,
		reservation.WithLocation(cfg.Location()))

	w := worker.NewExpiryWorker(manager, repo, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go w.Run(ctx, cfg.ExpiryInterval)
	logger.WithField("interval", cfg.ExpiryInterval.String()).Info("expiry worker started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("Shutdown expiry worker")
}

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	mongodriver "go.mongodb.org/mongo-driver/mongo"

	"github.com/robertarktes/vacation-rental-bookings/internal/adapters/crdb"
	"github.com/robertarktes/vacation-rental-bookings/internal/adapters/memstore"
	mongoadapter "github.com/robertarktes/vacation-rental-bookings/internal/adapters/mongo"
	"github.com/robertarktes/vacation-rental-bookings/internal/adapters/rabbit"
	redisadapter "github.com/robertarktes/vacation-rental-bookings/internal/adapters/redis"
	"github.com/robertarktes/vacation-rental-bookings/internal/adapters/sandbox"
	"github.com/robertarktes/vacation-rental-bookings/internal/adapters/stripe"
	"github.com/robertarktes/vacation-rental-bookings/internal/availability"
	"github.com/robertarktes/vacation-rental-bookings/internal/config"
	"github.com/robertarktes/vacation-rental-bookings/internal/gateway"
	httphandler "github.com/robertarktes/vacation-rental-bookings/internal/http"
	"github.com/robertarktes/vacation-rental-bookings/internal/idempotency"
	"github.com/robertarktes/vacation-rental-bookings/internal/observability"
	"github.com/robertarktes/vacation-rental-bookings/internal/outbox"
	"github.com/robertarktes/vacation-rental-bookings/internal/payment"
	"github.com/robertarktes/vacation-rental-bookings/internal/pricing"
	"github.com/robertarktes/vacation-rental-bookings/internal/rateLimit"
	"github.com/robertarktes/vacation-rental-bookings/internal/reservation"
	"github.com/robertarktes/vacation-rental-bookings/internal/webhook"
	"github.com/robertarktes/vacation-rental-bookings/internal/worker"
)

// engineStore is everything the engine persists; both drivers implement it.
type engineStore interface {
	availability.Store
	reservation.Store
	reservation.PaymentChecker
	payment.Store
	webhook.EventStore
	worker.EventPruner
	outbox.Store
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdown, err := observability.SetupOTel(context.Background(), cfg, "rental-api")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdown()

	logger := observability.NewLoggerWithLevel(cfg.LogLevel)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	checks := map[string]httphandler.ReadinessCheck{}

	var store engineStore
	switch cfg.StoreDriver {
	case config.StoreCRDB:
		pool, err := crdb.Connect(ctx, cfg.CRDBDSN)
		if err != nil {
			log.Fatalf("failed to connect to crdb: %v", err)
		}
		defer pool.Close()
		repo := crdb.NewRepository(pool)
		if err := repo.Migrate(ctx); err != nil {
			log.Fatalf("failed to migrate: %v", err)
		}
		checks["crdb"] = pool.Ping
		store = repo
	default:
		logger.Warn("using the in-memory store; state is lost on restart")
		store = memstore.New()
	}

	fallback := pricing.Property{
		ID:          cfg.PropertyID,
		Currency:    cfg.Currency,
		MaxGuests:   cfg.DefaultMaxGuests,
		MinNights:   cfg.DefaultMinNights,
		NightlyRate: cfg.DefaultNightlyRate,
	}
	var quoter pricing.Quoter = pricing.NewStatic(fallback)
	var auditor webhook.Auditor
	if cfg.MongoURI != "" {
		mongoClient, err := mongoadapter.Connect(ctx, cfg.MongoURI)
		if err != nil {
			log.Fatalf("failed to connect to mongo: %v", err)
		}
		defer mongoClient.Disconnect(context.Background())
		mongoDB := mongoClient.Database(cfg.MongoDB)

		quoter = pricing.NewCatalog(mongoadapter.NewCatalogRepository(mongoDB, logger), cfg.PropertyID, fallback)
		audit := mongoadapter.NewAuditLogger(mongoDB, logger)
		if err := audit.EnsureIndexes(ctx); err != nil {
			logger.WithError(err).Warn("webhook audit index not created")
		}
		auditor = audit
		checks["mongo"] = func(ctx context.Context) error { return mongoPing(ctx, mongoClient) }
	}

	var opts httphandler.RouterOptions
	opts.RateLimitPerMinute = cfg.RateLimitPerMinute
	if cfg.RedisAddr != "" {
		redisClient, err := redisadapter.Connect(ctx, cfg.RedisAddr)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
		opts.Idempotency = idempotency.NewIdempotency(redisadapter.NewIdempotency(redisClient), cfg.IdempotencyTTL)
		opts.RateLimiter = rateLimit.NewRateLimiter(redisadapter.NewCache(redisClient), logger)
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	ledger := availability.NewLedger(store, logger)
	manager := reservation.NewManager(store, ledger, quoter, store, logger, cfg.HoldTTL,
		reservation.WithLocation(cfg.Location()))

	var gw gateway.Gateway
	var sim *sandbox.Gateway
	var minSession time.Duration
	switch cfg.GatewayDriver {
	case config.GatewaySandbox:
		sim = sandbox.New(cfg.StripeWebhookSecret, cfg.PublicURL)
		gw = sim
	default:
		gw = stripe.New(cfg.StripeSecretKey)
		minSession = stripe.MinSessionLifetime
	}
	gw = gateway.NewRetrying(gw, logger, cfg.GatewayMaxAttempts, cfg.GatewayTimeout, cfg.GatewayBackoff)

	orch := payment.NewOrchestrator(store, manager, gw, logger, payment.Config{
		SessionTTL:         cfg.CheckoutSessionTTL,
		MinSessionLifetime: minSession,
		MaxAttempts:        cfg.MaxPaymentAttempts,
		SuccessURL:         cfg.CheckoutSuccessURL,
		CancelURL:          cfg.CheckoutCancelURL,
	})
	processor := webhook.NewProcessor(stripe.NewVerifier(cfg.StripeWebhookSecret), store, orch, auditor, logger,
		cfg.WebhookTimeout, cfg.WebhookEventTTL)

	handlers := httphandler.NewHandlers(manager, ledger, orch, processor, logger, checks)
	if sim != nil {
		opts.Sandbox = sim.Routes(func(ctx context.Context, d sandbox.Delivery) (interface{}, error) {
			return handlers.Deliver(ctx, d.Payload, d.Signature)
		})
	}

	// without a shared database the background jobs must run in this process
	if cfg.StoreDriver == config.StoreMemory {
		go worker.NewExpiryWorker(manager, store, logger).Run(ctx, cfg.ExpiryInterval)
		if cfg.RabbitURL != "" {
			rabbitConn, err := amqp.Dial(cfg.RabbitURL)
			if err != nil {
				log.Fatalf("failed to connect to rabbitmq: %v", err)
			}
			defer rabbitConn.Close()
			rabbitPub, err := rabbit.NewPublisher(rabbitConn, logger)
			if err != nil {
				log.Fatalf("failed to create publisher: %v", err)
			}
			go outbox.NewPublisher(store, rabbitPub, logger).Run(ctx, cfg.OutboxInterval)
		}
	}

	r := httphandler.SetupRouter(handlers, logger, opts)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.HTTPAddr).Info("api listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutdown Server ...")
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server Shutdown:", err)
	}
	logger.Info("Server exiting")
}

func mongoPing(ctx context.Context, client *mongodriver.Client) error {
	return client.Ping(ctx, nil)
}

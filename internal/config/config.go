package config

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	StoreCRDB   = "crdb"
	StoreMemory = "memory"

	GatewayStripe  = "stripe"
	GatewaySandbox = "sandbox"
)

type Config struct {
	HTTPAddr     string `envconfig:"HTTP_ADDR" default:":8080"`
	PublicURL    string `envconfig:"PUBLIC_URL" default:"http://localhost:8080"`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`
	StoreDriver  string `envconfig:"STORE_DRIVER" default:"crdb"`
	CRDBDSN      string `envconfig:"CRDB_DSN"`
	MongoURI     string `envconfig:"MONGO_URI"`
	MongoDB      string `envconfig:"MONGO_DATABASE" default:"rental"`
	RedisAddr    string `envconfig:"REDIS_ADDR"`
	RabbitURL    string `envconfig:"RABBIT_URL"`
	OTLPEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	HoldTTL            time.Duration `envconfig:"HOLD_TTL" default:"24h"`
	CheckoutSessionTTL time.Duration `envconfig:"CHECKOUT_SESSION_TTL" default:"30m"`
	MaxPaymentAttempts int           `envconfig:"MAX_PAYMENT_ATTEMPTS" default:"3"`
	Currency           string        `envconfig:"CURRENCY" default:"usd"`
	PropertyID         string        `envconfig:"PROPERTY_ID" default:"main"`
	PropertyTimezone   string        `envconfig:"PROPERTY_TIMEZONE" default:"UTC"`

	DefaultMaxGuests   int   `envconfig:"DEFAULT_MAX_GUESTS" default:"6"`
	DefaultMinNights   int   `envconfig:"DEFAULT_MIN_NIGHTS" default:"2"`
	DefaultNightlyRate int64 `envconfig:"DEFAULT_NIGHTLY_RATE" default:"10000"`

	GatewayDriver       string        `envconfig:"GATEWAY_DRIVER" default:"stripe"`
	StripeSecretKey     string        `envconfig:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string        `envconfig:"STRIPE_WEBHOOK_SECRET"`
	CheckoutSuccessURL  string        `envconfig:"CHECKOUT_SUCCESS_URL" default:"http://localhost:3000/booking/success"`
	CheckoutCancelURL   string        `envconfig:"CHECKOUT_CANCEL_URL" default:"http://localhost:3000/booking/cancel"`
	GatewayTimeout      time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"10s"`
	GatewayMaxAttempts  int           `envconfig:"GATEWAY_MAX_ATTEMPTS" default:"3"`
	GatewayBackoff      time.Duration `envconfig:"GATEWAY_BACKOFF" default:"200ms"`

	WebhookTimeout  time.Duration `envconfig:"WEBHOOK_TIMEOUT" default:"10s"`
	WebhookEventTTL time.Duration `envconfig:"WEBHOOK_EVENT_TTL" default:"2160h"`

	ExpiryInterval     time.Duration `envconfig:"EXPIRY_INTERVAL" default:"1m"`
	OutboxInterval     time.Duration `envconfig:"OUTBOX_INTERVAL" default:"5s"`
	IdempotencyTTL     time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`
	RateLimitPerMinute int           `envconfig:"RATE_LIMIT_PER_MINUTE" default:"60"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, errors.Wrap(err, "process env")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreCRDB:
		if c.CRDBDSN == "" {
			return errors.New("CRDB_DSN is required for the crdb store")
		}
	case StoreMemory:
	default:
		return errors.Newf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	switch c.GatewayDriver {
	case GatewayStripe:
		if c.StripeSecretKey == "" || c.StripeWebhookSecret == "" {
			return errors.New("STRIPE_SECRET_KEY and STRIPE_WEBHOOK_SECRET are required for the stripe gateway")
		}
	case GatewaySandbox:
		if c.StripeWebhookSecret == "" {
			c.StripeWebhookSecret = "whsec_sandbox"
		}
	default:
		return errors.Newf("unknown GATEWAY_DRIVER %q", c.GatewayDriver)
	}
	if c.MaxPaymentAttempts < 1 {
		return errors.New("MAX_PAYMENT_ATTEMPTS must be positive")
	}
	if _, err := time.LoadLocation(c.PropertyTimezone); err != nil {
		return errors.Wrapf(err, "PROPERTY_TIMEZONE %q", c.PropertyTimezone)
	}
	return nil
}

// Location is the property's timezone; Validate guarantees it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.PropertyTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

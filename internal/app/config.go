package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Config holds the complete application configuration, loadable from
// environment variables (FLASHKART_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (FLASHKART_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	RedisURL    string `usage:"Redis connection URL (FLASHKART_REDIS_URL or REDIS_URL)" flag:"redis-url"`
	Auth        AuthConfig
	Razorpay    RazorpayConfig
	Kafka       KafkaConfig
	Shipping    ShippingConfig
	Checkout    CheckoutConfig
	RateLimit   RateLimitConfig
	Graceful    GracefulConfig
}

// AuthConfig verifies bearer tokens issued by the identity provider.
type AuthConfig struct {
	JWTSecret string `usage:"HS256 secret shared with the identity provider" flag:"jwt-secret"`
	Issuer    string `usage:"Expected iss claim; empty skips the check"`
}

// RazorpayConfig configures online payments. Empty KeyID disables them.
type RazorpayConfig struct {
	KeyID         string `usage:"Razorpay key id"`
	KeySecret     string `usage:"Razorpay key secret"`
	WebhookSecret string `usage:"Secret used to sign payment webhooks"`
	Currency      string `default:"INR" usage:"Order currency"`
	CheckoutURL   string `usage:"Hosted checkout page; the gateway order id is appended"`
}

// KafkaConfig configures the order event relay. No brokers leaves events in
// the outbox table.
type KafkaConfig struct {
	Brokers       []string      `usage:"Kafka bootstrap brokers"`
	Topic         string        `default:"flashkart.order-events" usage:"Order events topic"`
	RelayInterval time.Duration `default:"1s" usage:"Outbox poll interval"`
}

// ShippingConfig selects the shipping quoter. RatesURL wins over the flat
// rate when set.
type ShippingConfig struct {
	FlatFee      string        `default:"40" usage:"Flat shipping fee"`
	FreeOver     string        `default:"500" usage:"Merchandise amount that waives the flat fee; 0 never waives"`
	RatesURL     string        `usage:"External shipping rate service base URL"`
	RatesTimeout time.Duration `default:"2s" usage:"Rate service request timeout"`
}

// Amounts parses the flat-rate settings.
func (s ShippingConfig) Amounts() (fee, freeOver decimal.Decimal, err error) {
	if fee, err = decimal.NewFromString(s.FlatFee); err != nil {
		return fee, freeOver, errors.Wrap(err, "shipping flat fee")
	}
	if freeOver, err = decimal.NewFromString(s.FreeOver); err != nil {
		return fee, freeOver, errors.Wrap(err, "shipping free-over threshold")
	}
	if fee.IsNegative() || freeOver.IsNegative() {
		return fee, freeOver, errors.New("shipping amounts must not be negative")
	}
	return fee, freeOver, nil
}

// CheckoutConfig tunes the commit path and background reconciliation.
type CheckoutConfig struct {
	LockTTL           time.Duration `default:"15s" usage:"Per-user commit lock TTL"`
	LockWait          time.Duration `default:"2s" usage:"Max wait for the per-user commit lock"`
	PaymentWindow     time.Duration `default:"15m" usage:"How long ONLINE orders hold stock awaiting payment"`
	ReservationTTL    time.Duration `default:"10m" usage:"TTL of reservations not yet attached to an order"`
	PersistRetries    uint64        `default:"3" usage:"Order write retries after stock is reserved"`
	ReconcileInterval time.Duration `default:"30s" usage:"Background reconciliation interval"`
	CallbackSeenTTL   time.Duration `default:"72h" usage:"How long processed payment callbacks are remembered"`
	OutboxRetention   time.Duration `default:"168h" usage:"How long delivered outbox events are kept; 0 keeps them"`
}

// RateLimitConfig controls the per-user checkout rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"30" usage:"Max checkout requests per window per user"`
	Window time.Duration `default:"1m" usage:"Rate limit window duration"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "FLASHKART",
		Files:     []string{"config.yaml", "/etc/flashkart/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set FLASHKART_DATABASE_URL or DATABASE_URL")
	}
	if c.RedisURL == "" {
		return errors.New("redis URL is required: set FLASHKART_REDIS_URL or REDIS_URL")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("jwt secret is required: set FLASHKART_AUTH_JWT_SECRET")
	}
	if c.Razorpay.KeyID != "" && c.Razorpay.WebhookSecret == "" {
		return errors.New("razorpay webhook secret is required when online payments are enabled")
	}
	if _, _, err := c.Shipping.Amounts(); err != nil {
		return err
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's FLASHKART_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if c.RedisURL == "" {
		c.RedisURL = os.Getenv("REDIS_URL")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}

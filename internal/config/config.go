package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type DB struct {
	Host     string
	Port     string
	Database string
	Username string
	Password string
	Schema   string
}

// DSN builds the pgx connection string.
func (d DB) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable&search_path=%s",
		d.Username, d.Password, d.Host, d.Port, d.Database, d.Schema,
	)
}

type Fees struct {
	PlatformPct float64
	SellerPct   float64
}

type Stripe struct {
	SecretKey     string
	WebhookSecret string
}

type Carrier struct {
	BaseURL string
	APIKey  string
	RPS     float64
}

type Timeouts struct {
	Payment time.Duration
	Carrier time.Duration
	Store   time.Duration
}

type Config struct {
	Env         string
	Port        string
	LogLevel    string
	CORSOrigins []string

	DB DB

	JWTSecret    string
	AdminUserIDs []string

	Fees            Fees
	DefaultCurrency string
	QuoteTTL        time.Duration
	RefundWindow    time.Duration

	Stripe   Stripe
	Carrier  Carrier
	Timeouts Timeouts

	RabbitMQURL string
	NotifyQueue string

	ReconcileInterval   time.Duration
	ReconcileStuckAfter time.Duration
	AuctionCloseEvery   time.Duration
	OutboxEvery         time.Duration

	RateLimitPerMinute int64
	IdempotencyTTL     time.Duration
}

func (c *Config) Local() bool {
	return c.Env == "" || c.Env == "local"
}

// Load reads .env (when present) and the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function; tests pass a map.
func FromEnv(getenv func(string) string) (*Config, error) {
	p := parser{getenv: getenv}

	cfg := &Config{
		Env:         p.str("APP_ENV", "local"),
		Port:        p.str("PORT", "8080"),
		LogLevel:    p.str("LOG_LEVEL", "info"),
		CORSOrigins: p.list("CORS_ALLOWED_ORIGINS"),
		DB: DB{
			Host:     p.str("BLUEPRINT_DB_HOST", "localhost"),
			Port:     p.str("BLUEPRINT_DB_PORT", "5432"),
			Database: p.str("BLUEPRINT_DB_DATABASE", "market"),
			Username: p.str("BLUEPRINT_DB_USERNAME", "postgres"),
			Password: p.str("BLUEPRINT_DB_PASSWORD", "postgres"),
			Schema:   p.str("BLUEPRINT_DB_SCHEMA", "public"),
		},
		JWTSecret:    p.str("JWT_SECRET", ""),
		AdminUserIDs: p.list("ADMIN_USER_IDS"),
		Fees: Fees{
			PlatformPct: p.float("PLATFORM_FEE_PCT", 5.0),
			SellerPct:   p.float("SELLER_FEE_PCT", 1.0),
		},
		DefaultCurrency: strings.ToLower(p.str("DEFAULT_CURRENCY", "usd")),
		QuoteTTL:        p.duration("QUOTE_TTL", 15*time.Minute),
		RefundWindow:    p.duration("REFUND_WINDOW", 14*24*time.Hour),
		Stripe: Stripe{
			SecretKey:     p.str("STRIPE_SECRET_KEY", ""),
			WebhookSecret: p.str("STRIPE_WEBHOOK_SECRET", ""),
		},
		Carrier: Carrier{
			BaseURL: p.str("CARRIER_BASE_URL", ""),
			APIKey:  p.str("CARRIER_API_KEY", ""),
			RPS:     p.float("CARRIER_RPS", 5),
		},
		Timeouts: Timeouts{
			Payment: p.duration("PAYMENT_TIMEOUT", 10*time.Second),
			Carrier: p.duration("CARRIER_TIMEOUT", 5*time.Second),
			Store:   p.duration("STORE_TIMEOUT", 3*time.Second),
		},
		RabbitMQURL:         p.str("RABBITMQ_URL", ""),
		NotifyQueue:         p.str("NOTIFY_QUEUE", "marketplace.notifications"),
		ReconcileInterval:   p.duration("RECONCILE_INTERVAL", time.Minute),
		ReconcileStuckAfter: p.duration("RECONCILE_STUCK_AFTER", 15*time.Minute),
		AuctionCloseEvery:   p.duration("AUCTION_CLOSE_INTERVAL", 30*time.Second),
		OutboxEvery:         p.duration("OUTBOX_INTERVAL", time.Second),
		RateLimitPerMinute:  p.int("RATE_LIMIT_PER_MINUTE", 120),
		IdempotencyTTL:      p.duration("IDEMPOTENCY_TTL", 24*time.Hour),
	}
	if err := p.err(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.Fees.PlatformPct < 0 || c.Fees.PlatformPct > 100 {
		errs = append(errs, fmt.Errorf("PLATFORM_FEE_PCT out of range: %v", c.Fees.PlatformPct))
	}
	if c.Fees.SellerPct < 0 || c.Fees.SellerPct > 100 {
		errs = append(errs, fmt.Errorf("SELLER_FEE_PCT out of range: %v", c.Fees.SellerPct))
	}
	if !c.Local() && c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required outside local"))
	}
	if c.Carrier.RPS <= 0 {
		errs = append(errs, fmt.Errorf("CARRIER_RPS must be positive: %v", c.Carrier.RPS))
	}
	return errors.Join(errs...)
}

type parser struct {
	getenv func(string) string
	errs   []error
}

func (p *parser) str(key, def string) string {
	if v := strings.TrimSpace(p.getenv(key)); v != "" {
		return v
	}
	return def
}

func (p *parser) list(key string) []string {
	raw := p.getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (p *parser) float(key string, def float64) float64 {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

func (p *parser) int(key string, def int64) int64 {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (p *parser) err() error {
	return errors.Join(p.errs...)
}

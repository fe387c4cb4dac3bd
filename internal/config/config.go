// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration. It is built once at startup
// and injected into the components that need it; business logic never
// reads the environment directly.
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string

	// Database (in-memory stores are used when empty)
	DatabaseURL string
	AutoMigrate bool

	// Ledger
	DefaultCurrency string

	CORSOrigins []string

	Auth        AuthConfig
	Flutterwave FlutterwaveConfig
	Stripe      StripeConfig
	PayPal      PayPalConfig
	Wise        WiseConfig
	FX          FXConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	Notify      NotifyConfig

	OTLPEndpoint     string
	TraceSampleRatio float64
}

// AuthConfig configures caller identity.
type AuthConfig struct {
	JWTSecret   string // HS256 key shared with the platform's auth service
	JWTIssuer   string
	AdminSecret string // guards /internal trigger endpoints
}

// FlutterwaveConfig configures the Flutterwave v3 API.
type FlutterwaveConfig struct {
	SecretKey   string
	WebhookHash string // compared against the verif-hash header
	BaseURL     string
	RedirectURL string
}

// StripeConfig configures Stripe Checkout and Connect.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string // whsec_... signing secret
	APIURL        string // override for tests and stripe-mock
	SuccessURL    string
	CancelURL     string
}

// PayPalConfig configures PayPal Orders and Payouts.
type PayPalConfig struct {
	ClientID     string
	ClientSecret string
	WebhookID    string // required to verify webhook signatures
	BaseURL      string
	ReturnURL    string
	CancelURL    string
}

// WiseConfig configures Wise transfers.
type WiseConfig struct {
	APIToken      string
	ProfileID     string
	WebhookSecret string // compared against the X-Wise-Webhook-Secret header
	BaseURL       string
}

// FXConfig configures exchange-rate lookups.
type FXConfig struct {
	BaseURL  string // empty uses StaticRates
	APIKey   string
	CacheTTL time.Duration
	// StaticRates like "USD:NGN=1500,EUR:USD=1.08" for development.
	StaticRates string
}

// RedisConfig configures the FX rate cache.
type RedisConfig struct {
	URL string // empty disables caching
}

// KafkaConfig configures the in-app notification publisher.
type KafkaConfig struct {
	Brokers []string // empty disables Kafka
	Topic   string
}

// NotifyConfig configures the signed HTTP notification hook (mail service).
type NotifyConfig struct {
	WebhookURL    string
	WebhookSecret string
}

// Defaults
const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultCurrency        = "USD"
	DefaultFlutterwaveURL  = "https://api.flutterwave.com"
	DefaultPayPalURL       = "https://api-m.sandbox.paypal.com"
	DefaultWiseURL         = "https://api.sandbox.transferwise.tech"
	DefaultKafkaTopic      = "wallet-notifications"
	DefaultFXCacheTTL      = 10 * time.Minute
	DefaultCheckoutReturn  = "http://localhost:3000/payments/complete"
	DefaultCheckoutCancel  = "http://localhost:3000/payments/cancelled"
	minJWTSecretLength     = 32
	minAdminSecretLength   = 16
	productionEnvName      = "production"
	developmentEnvName     = "development"
	defaultLogFormatByProd = "json"
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	env := getEnv("ENV", DefaultEnv)
	logFormat := "text"
	if env == productionEnvName {
		logFormat = defaultLogFormatByProd
	}

	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             env,
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:       getEnv("LOG_FORMAT", logFormat),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		AutoMigrate:     getEnvBool("AUTO_MIGRATE", false),
		DefaultCurrency: strings.ToUpper(getEnv("DEFAULT_CURRENCY", DefaultCurrency)),
		CORSOrigins:     splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
		Auth: AuthConfig{
			JWTSecret:   os.Getenv("JWT_SECRET"),
			JWTIssuer:   os.Getenv("JWT_ISSUER"),
			AdminSecret: os.Getenv("ADMIN_SECRET"),
		},
		Flutterwave: FlutterwaveConfig{
			SecretKey:   os.Getenv("FLUTTERWAVE_SECRET_KEY"),
			WebhookHash: os.Getenv("FLUTTERWAVE_WEBHOOK_HASH"),
			BaseURL:     getEnv("FLUTTERWAVE_BASE_URL", DefaultFlutterwaveURL),
			RedirectURL: getEnv("FLUTTERWAVE_REDIRECT_URL", DefaultCheckoutReturn),
		},
		Stripe: StripeConfig{
			SecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
			WebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
			APIURL:        os.Getenv("STRIPE_API_URL"),
			SuccessURL:    getEnv("STRIPE_SUCCESS_URL", DefaultCheckoutReturn),
			CancelURL:     getEnv("STRIPE_CANCEL_URL", DefaultCheckoutCancel),
		},
		PayPal: PayPalConfig{
			ClientID:     os.Getenv("PAYPAL_CLIENT_ID"),
			ClientSecret: os.Getenv("PAYPAL_CLIENT_SECRET"),
			WebhookID:    os.Getenv("PAYPAL_WEBHOOK_ID"),
			BaseURL:      getEnv("PAYPAL_BASE_URL", DefaultPayPalURL),
			ReturnURL:    getEnv("PAYPAL_RETURN_URL", DefaultCheckoutReturn),
			CancelURL:    getEnv("PAYPAL_CANCEL_URL", DefaultCheckoutCancel),
		},
		Wise: WiseConfig{
			APIToken:      os.Getenv("WISE_API_TOKEN"),
			ProfileID:     os.Getenv("WISE_PROFILE_ID"),
			WebhookSecret: os.Getenv("WISE_WEBHOOK_SECRET"),
			BaseURL:       getEnv("WISE_BASE_URL", DefaultWiseURL),
		},
		FX: FXConfig{
			BaseURL:     os.Getenv("FX_BASE_URL"),
			APIKey:      os.Getenv("FX_API_KEY"),
			CacheTTL:    getEnvDuration("FX_CACHE_TTL", DefaultFXCacheTTL),
			StaticRates: os.Getenv("FX_STATIC_RATES"),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(os.Getenv("KAFKA_BROKERS")),
			Topic:   getEnv("KAFKA_NOTIFICATIONS_TOPIC", DefaultKafkaTopic),
		},
		Notify: NotifyConfig{
			WebhookURL:    os.Getenv("NOTIFY_WEBHOOK_URL"),
			WebhookSecret: os.Getenv("NOTIFY_WEBHOOK_SECRET"),
		},
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio: getEnvFloat("OTEL_TRACES_SAMPLE_RATIO", 1),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable. Missing gateway
// webhook secrets are deliberately not an error here: the affected provider
// refuses its webhooks until the secret is configured.
func (c *Config) Validate() error {
	if len(c.Auth.JWTSecret) < minJWTSecretLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters", minJWTSecretLength)
	}
	if len(c.Auth.AdminSecret) < minAdminSecretLength {
		return fmt.Errorf("ADMIN_SECRET must be at least %d characters", minAdminSecretLength)
	}
	if len(c.DefaultCurrency) != 3 {
		return fmt.Errorf("DEFAULT_CURRENCY must be a three-letter ISO code")
	}
	if c.IsProduction() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
	}
	if c.IsProduction() && c.FX.BaseURL == "" {
		return fmt.Errorf("FX_BASE_URL is required in production")
	}
	if c.Notify.WebhookURL != "" && c.Notify.WebhookSecret == "" {
		return fmt.Errorf("NOTIFY_WEBHOOK_SECRET is required when NOTIFY_WEBHOOK_URL is set")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == developmentEnvName
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == productionEnvName
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil && f >= 0 {
			return f
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

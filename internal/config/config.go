// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Order store: PostgreSQL connection string (optional, uses in-memory if not set)
	DatabaseURL string
	// Session store: Redis URL (optional, uses in-memory if not set).
	// Required when more than one worker shares the checkout flow.
	SessionStoreURL string

	// Ledger backend
	TBAddress   string // TigerBeetle address (optional, uses in-memory ledger if not set)
	TBClusterID uint64

	// Payment provider (mock)
	WebhookSecret  string
	MockWebhookURL string // Where the mock provider delivers events
	PublicBaseURL  string

	// Reservation lifecycle (seconds)
	HoldTimeoutSeconds   int64
	SweepIntervalSeconds int64
	SweepGraceSeconds    int64

	// Inventory
	TicketSupplyA uint64
	TicketSupplyB uint64
	GoodieSupply  uint64

	// Admin endpoints, "user:pass". Empty disables them.
	AdminBasicAuth string

	// Rate limiting (checkout route only)
	RateLimitRPM   int
	RateLimitBurst int

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultHoldTimeout   = 300
	DefaultSweepInterval = 30
	DefaultSweepGrace    = 30
	DefaultTicketSupplyA = 100
	DefaultTicketSupplyB = 500
	DefaultGoodieSupply  = 100
	DefaultRateLimitRPM  = 60
	DefaultRateBurst     = 10
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		SessionStoreURL:      os.Getenv("SESSION_STORE_URL"),
		TBAddress:            os.Getenv("TB_ADDRESS"),
		TBClusterID:          uint64(getEnvInt64("TB_CLUSTER_ID", 0)),
		WebhookSecret:        os.Getenv("WEBHOOK_SECRET"),
		MockWebhookURL:       os.Getenv("MOCK_WEBHOOK_URL"),
		PublicBaseURL:        getEnv("PUBLIC_BASE_URL", "http://localhost:8080"),
		HoldTimeoutSeconds:   getEnvInt64("HOLD_TIMEOUT_SECONDS", DefaultHoldTimeout),
		SweepIntervalSeconds: getEnvInt64("SWEEP_INTERVAL_SECONDS", DefaultSweepInterval),
		SweepGraceSeconds:    getEnvInt64("SWEEP_GRACE_SECONDS", DefaultSweepGrace),
		TicketSupplyA:        uint64(getEnvInt64("TICKET_SUPPLY_A", DefaultTicketSupplyA)),
		TicketSupplyB:        uint64(getEnvInt64("TICKET_SUPPLY_B", DefaultTicketSupplyB)),
		GoodieSupply:         uint64(getEnvInt64("GOODIE_SUPPLY", DefaultGoodieSupply)),
		AdminBasicAuth:       os.Getenv("ADMIN_BASIC_AUTH"),
		RateLimitRPM:         int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:       int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateBurst)),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if cfg.MockWebhookURL == "" {
		cfg.MockWebhookURL = strings.TrimRight(cfg.PublicBaseURL, "/") + "/payments/webhook"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.WebhookSecret == "" {
		if c.IsProduction() {
			return fmt.Errorf("WEBHOOK_SECRET is required in production")
		}
		c.WebhookSecret = "whsec_dev_only"
	}

	if c.HoldTimeoutSeconds <= 0 {
		return fmt.Errorf("HOLD_TIMEOUT_SECONDS must be positive")
	}
	if c.SweepIntervalSeconds <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL_SECONDS must be positive")
	}
	if c.SweepGraceSeconds < 0 {
		return fmt.Errorf("SWEEP_GRACE_SECONDS must not be negative")
	}

	if c.TicketSupplyA == 0 || c.TicketSupplyB == 0 {
		return fmt.Errorf("ticket supplies must be positive")
	}

	if c.AdminBasicAuth != "" && !strings.Contains(c.AdminBasicAuth, ":") {
		return fmt.Errorf("ADMIN_BASIC_AUTH must be user:pass")
	}

	return nil
}

// AdminCredentials splits ADMIN_BASIC_AUTH into user and password.
func (c *Config) AdminCredentials() (user, pass string, ok bool) {
	if c.AdminBasicAuth == "" {
		return "", "", false
	}
	user, pass, ok = strings.Cut(c.AdminBasicAuth, ":")
	return user, pass, ok
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "WEBHOOK_SECRET", "whsec_test")
	setEnv(t, "TICKET_SUPPLY_A", "250")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "whsec_test", cfg.WebhookSecret)
	assert.Equal(t, uint64(250), cfg.TicketSupplyA)
	assert.Equal(t, uint64(DefaultTicketSupplyB), cfg.TicketSupplyB)
	assert.Equal(t, int64(DefaultHoldTimeout), cfg.HoldTimeoutSeconds)
}

func TestLoad_DerivesWebhookURL(t *testing.T) {
	setEnv(t, "MOCK_WEBHOOK_URL", "")
	setEnv(t, "PUBLIC_BASE_URL", "https://tickets.example.com/")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://tickets.example.com/payments/webhook", cfg.MockWebhookURL)
}

func TestLoad_DevSecretFallback(t *testing.T) {
	setEnv(t, "WEBHOOK_SECRET", "")
	setEnv(t, "ENV", "development")

	cfg, err := Load()
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.WebhookSecret)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			Env:                  "production",
			WebhookSecret:        "whsec_live",
			HoldTimeoutSeconds:   300,
			SweepIntervalSeconds: 30,
			TicketSupplyA:        100,
			TicketSupplyB:        500,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "missing secret in production",
			mutate:  func(c *Config) { c.WebhookSecret = "" },
			wantErr: "WEBHOOK_SECRET is required",
		},
		{
			name:    "zero hold timeout",
			mutate:  func(c *Config) { c.HoldTimeoutSeconds = 0 },
			wantErr: "HOLD_TIMEOUT_SECONDS",
		},
		{
			name:    "zero sweep interval",
			mutate:  func(c *Config) { c.SweepIntervalSeconds = 0 },
			wantErr: "SWEEP_INTERVAL_SECONDS",
		},
		{
			name:    "negative sweep grace",
			mutate:  func(c *Config) { c.SweepGraceSeconds = -1 },
			wantErr: "SWEEP_GRACE_SECONDS",
		},
		{
			name:    "zero ticket supply",
			mutate:  func(c *Config) { c.TicketSupplyB = 0 },
			wantErr: "ticket supplies",
		},
		{
			name:    "malformed basic auth",
			mutate:  func(c *Config) { c.AdminBasicAuth = "nopassword" },
			wantErr: "ADMIN_BASIC_AUTH",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_AdminCredentials(t *testing.T) {
	cfg := &Config{AdminBasicAuth: "ops:hunter2"}
	user, pass, ok := cfg.AdminCredentials()
	require.True(t, ok)
	assert.Equal(t, "ops", user)
	assert.Equal(t, "hunter2", pass)

	cfg.AdminBasicAuth = ""
	_, _, ok = cfg.AdminCredentials()
	assert.False(t, ok)
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

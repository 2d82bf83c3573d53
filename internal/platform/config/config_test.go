package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("DB_DRIVER", "Memory")
	t.Setenv("HTTP_PORT", "8181")
	t.Setenv("ESCALATION_SCHEDULE", "@every 1m")
	t.Setenv("ESCALATION_SCAN_TIMEOUT", "45s")
	t.Setenv("ESCALATION_ENABLED", "false")
	t.Setenv("NATS_RATE_PER_SECOND", "12.5")
	t.Setenv("ESCALATION_BATCH_SIZE", "50")
	t.Setenv("ENVIRONMENT", "test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, 8181, cfg.Server.Port)
	assert.Equal(t, "@every 1m", cfg.Escalation.Schedule)
	assert.Equal(t, 45*time.Second, cfg.Escalation.ScanTimeout)
	assert.False(t, cfg.Escalation.Enabled)
	assert.Equal(t, 12.5, cfg.NATS.RatePerSecond)
	assert.Equal(t, 50, cfg.Escalation.BatchSize)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("DB_DRIVER", "memory")
	t.Setenv("HTTP_PORT", "eighty")
	t.Setenv("SHUTDOWN_TIMEOUT", "soon")
	t.Setenv("ESCALATION_BATCH_SIZE", "")
	t.Setenv("ENVIRONMENT", "test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Service:    ServiceConfig{Environment: "production"},
			Database:   DatabaseConfig{Driver: "postgres"},
			Auth:       AuthConfig{JWTSecret: "s"},
			Escalation: EscalationConfig{BatchSize: 10},
		}
	}
	require.NoError(t, base().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }},
		{"production without secret", func(c *Config) { c.Auth.JWTSecret = "" }},
		{"zero batch", func(c *Config) { c.Escalation.BatchSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

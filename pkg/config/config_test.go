package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath("nonexistent.env")
	require.NoError(t, err)

	assert.Equal(t, "booking-core", cfg.App.Name)
	assert.Equal(t, "development", cfg.App.Environment)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, "booking_core", cfg.Database.DBName)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 8, cfg.Engine.Workers)
	assert.Equal(t, 60*time.Second, cfg.Engine.LeaseTTL)
	assert.Equal(t, 24*time.Hour, cfg.Engine.BookingDeadline)
	assert.Equal(t, "http://localhost:8084", cfg.Services.PaymentURL)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("ENGINE_WORKERS", "16")
	t.Setenv("KAFKA_BROKERS", "broker-1:9092,broker-2:9092")

	cfg, err := LoadWithPath("nonexistent.env")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 16, cfg.Engine.Workers)
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.Kafka.Brokers)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/.env"
	content := "SERVER_PORT=7070\nAPP_ENVIRONMENT=production\nENGINE_LEASE_TTL=90s\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadWithPath(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 90*time.Second, cfg.Engine.LeaseTTL)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty app name", func(c *Config) { c.App.Name = "" }},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }},
		{"missing database host", func(c *Config) { c.Database.Host = "" }},
		{"zero workers", func(c *Config) { c.Engine.Workers = 0 }},
		{"zero lease ttl", func(c *Config) { c.Engine.LeaseTTL = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadWithPath("nonexistent.env")
			require.NoError(t, err)

			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDatabaseDSN(t *testing.T) {
	d := DatabaseConfig{
		Host: "db", Port: 5432, User: "app", Password: "secret",
		DBName: "bookings", SSLMode: "disable",
	}
	assert.Equal(t, "host=db port=5432 user=app password=secret dbname=bookings sslmode=disable", d.DSN())
}

func TestRedisAddr(t *testing.T) {
	r := RedisConfig{Host: "cache", Port: 6380}
	assert.Equal(t, "cache:6380", r.Addr())
}

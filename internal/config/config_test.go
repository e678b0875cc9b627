package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 15*time.Minute, cfg.Session.TTL)
	assert.Equal(t, 8*time.Second, cfg.Oracle.Timeout)
	assert.Equal(t, "gpt-4o-mini", cfg.Oracle.Model)
	assert.Equal(t, "*/5 * * * *", cfg.Jobs.PurgeSchedule)
	assert.Equal(t, "intake", cfg.NATS.SubjectPrefix)
}

func TestLoad_EnvAliases(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DB_USER", "crm")
	t.Setenv("DB_PASS", "secret")
	t.Setenv("USE_MEMORY_STORE", "true")
	t.Setenv("TWILIO_ACCOUNT_SID", "AC123")
	t.Setenv("TWILIO_AUTH_TOKEN", "tok")
	t.Setenv("TWILIO_WHATSAPP_FROM", "whatsapp:+14155238886")
	t.Setenv("ORACLE_TIMEOUT", "3s")
	t.Setenv("SESSION_TTL", "20m")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "crm", cfg.Database.User)
	assert.Equal(t, "secret", cfg.Database.Password)
	assert.True(t, cfg.Database.UseMemory)
	assert.True(t, cfg.Twilio.Configured())
	assert.Equal(t, 3*time.Second, cfg.Oracle.Timeout)
	assert.Equal(t, 20*time.Minute, cfg.Session.TTL)
}

func TestLoad_YAMLFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yml := []byte("server:\n  port: 7000\ndatabase:\n  driver: sqlite\n  dsn: file:bot.db\nlog:\n  format: console\n")
	require.NoError(t, os.WriteFile(path, yml, 0o600))
	t.Setenv("SERVER_PORT", "7001")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7001, cfg.Server.Port, "env overrides file")
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "file:bot.db", cfg.Database.DSN)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoad_MissingFileIgnored(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.NoError(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"bad driver", func(c *Config) { c.Database.Driver = "oracle" }},
		{"zero ttl", func(c *Config) { c.Session.TTL = 0 }},
		{"receipt ttl below session ttl", func(c *Config) { c.Session.ReceiptTTL = time.Minute }},
		{"zero oracle timeout", func(c *Config) { c.Oracle.Timeout = 0 }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
		{"bad cron", func(c *Config) { c.Jobs.PurgeSchedule = "every five minutes" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "server.port", envKey("PORT"))
	assert.Equal(t, "oracle.api_key", envKey("ORACLE_API_KEY"))
	assert.Equal(t, "oracle.api_key", envKey("OPENAI_API_KEY"))
	assert.Equal(t, "nats.url", envKey("NATS_URL"))
	assert.Equal(t, "", envKey("PATH"))
	assert.Equal(t, "", envKey("HOME"))
	assert.Equal(t, "", envKey("LOG"))
}

// Package config loads the bot configuration from built-in defaults, an
// optional YAML file and the environment (in that order of precedence, lowest
// first). .env files are read into the environment first for local runs.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/robfig/cron/v3"
)

// Config is the top-level configuration.
type Config struct {
	Environment string         `koanf:"environment"`
	Server      ServerConfig   `koanf:"server"`
	Database    DatabaseConfig `koanf:"database"`
	Twilio      TwilioConfig   `koanf:"twilio"`
	Oracle      OracleConfig   `koanf:"oracle"`
	Session     SessionConfig  `koanf:"session"`
	Intake      IntakeConfig   `koanf:"intake"`
	NATS        NATSConfig     `koanf:"nats"`
	Log         LogConfig      `koanf:"log"`
	Jobs        JobsConfig     `koanf:"jobs"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
	// PublicURL is the externally visible base URL, used to validate Twilio
	// signatures behind proxies. Empty means "derive from the request".
	PublicURL                string `koanf:"public_url"`
	DisableWebhookValidation bool   `koanf:"disable_webhook_validation"`
	// AdminToken protects /admin; admin routes are off when it is empty.
	AdminToken string `koanf:"admin_token"`
}

type DatabaseConfig struct {
	Driver                 string `koanf:"driver"` // postgres, mysql, sqlite
	DSN                    string `koanf:"dsn"`    // overrides the discrete fields below
	Host                   string `koanf:"host"`
	Port                   int    `koanf:"port"`
	User                   string `koanf:"user"`
	Password               string `koanf:"password"`
	Name                   string `koanf:"name"`
	InstanceConnectionName string `koanf:"instance_connection_name"`
	UseMemory              bool   `koanf:"use_memory"`
}

type TwilioConfig struct {
	AccountSID   string        `koanf:"account_sid"`
	AuthToken    string        `koanf:"auth_token"`
	WhatsAppFrom string        `koanf:"whatsapp_from"` // whatsapp:+14155238886
	Timeout      time.Duration `koanf:"timeout"`
}

// Configured reports whether outbound messaging can be enabled.
func (t TwilioConfig) Configured() bool {
	return t.AccountSID != "" && t.AuthToken != "" && t.WhatsAppFrom != ""
}

type OracleConfig struct {
	BaseURL           string        `koanf:"base_url"`
	APIKey            string        `koanf:"api_key"`
	Model             string        `koanf:"model"`
	Timeout           time.Duration `koanf:"timeout"`
	Temperature       float64       `koanf:"temperature"`
	RequestsPerMinute float64       `koanf:"requests_per_minute"`
	Burst             int           `koanf:"burst"`
}

type SessionConfig struct {
	TTL                time.Duration `koanf:"ttl"`
	ReceiptTTL         time.Duration `koanf:"receipt_ttl"`
	PersistenceTimeout time.Duration `koanf:"persistence_timeout"`
}

type IntakeConfig struct {
	// DefaultAccountID is used for senders with no linked CRM account.
	DefaultAccountID string `koanf:"default_account_id"`
}

type NATSConfig struct {
	URL           string `koanf:"url"` // empty disables event publishing
	SubjectPrefix string `koanf:"subject_prefix"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json or console
}

type JobsConfig struct {
	PurgeSchedule string `koanf:"purge_schedule"`
}

const defaultsYAML = `
environment: development
server:
  port: 8080
database:
  driver: postgres
  host: localhost
  port: 5432
  user: postgres
  name: crm_intake
twilio:
  timeout: 10s
oracle:
  base_url: https://api.openai.com/v1
  model: gpt-4o-mini
  timeout: 8s
  temperature: 0.2
  requests_per_minute: 120
  burst: 5
session:
  ttl: 15m
  receipt_ttl: 24h
  persistence_timeout: 5s
nats:
  subject_prefix: intake
log:
  level: info
  format: json
jobs:
  purge_schedule: "*/5 * * * *"
`

// envAliases maps the deployment variable names to config keys.
var envAliases = map[string]string{
	"PORT":                       "server.port",
	"PUBLIC_URL":                 "server.public_url",
	"DISABLE_WEBHOOK_VALIDATION": "server.disable_webhook_validation",
	"ADMIN_TOKEN":                "server.admin_token",
	"ENVIRONMENT":                "environment",
	"DB_HOST":                    "database.host",
	"DB_PORT":                    "database.port",
	"DB_USER":                    "database.user",
	"DB_PASS":                    "database.password",
	"DB_NAME":                    "database.name",
	"INSTANCE_CONNECTION_NAME":   "database.instance_connection_name",
	"USE_MEMORY_STORE":           "database.use_memory",
	"OPENAI_API_KEY":             "oracle.api_key",
}

// envSections are the prefixes mapped generically: ORACLE_API_KEY -> oracle.api_key.
var envSections = []string{"SERVER", "DATABASE", "TWILIO", "ORACLE", "SESSION", "INTAKE", "NATS", "LOG", "JOBS"}

// LoadDotEnv loads .env files for local development. Missing files are ignored.
func LoadDotEnv() bool {
	if os.Getenv("INSTANCE_CONNECTION_NAME") != "" {
		return false
	}
	if err := godotenv.Load(".env"); err == nil {
		return true
	}
	return godotenv.Load("environments/.env.development") == nil
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty or missing) and the environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider([]byte(defaultsYAML)), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("config: defaults: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("config: env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps an environment variable name to a config key; "" skips it.
func envKey(name string) string {
	if key, ok := envAliases[name]; ok {
		return key
	}
	section, rest, found := strings.Cut(name, "_")
	if !found || rest == "" {
		return ""
	}
	for _, s := range envSections {
		if section == s {
			return strings.ToLower(section) + "." + strings.ToLower(rest)
		}
	}
	return ""
}

// Validate checks that required fields are present and consistent.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if !c.Database.UseMemory {
		switch c.Database.Driver {
		case "postgres", "mysql", "sqlite":
		default:
			return fmt.Errorf("config: database.driver %q is not one of postgres, mysql, sqlite", c.Database.Driver)
		}
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("config: session.ttl must be positive")
	}
	if c.Session.ReceiptTTL < c.Session.TTL {
		return fmt.Errorf("config: session.receipt_ttl must be at least session.ttl")
	}
	if c.Oracle.Timeout <= 0 {
		return fmt.Errorf("config: oracle.timeout must be positive")
	}
	if c.Oracle.RequestsPerMinute <= 0 || c.Oracle.Burst <= 0 {
		return fmt.Errorf("config: oracle rate limit must be positive")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("config: log.format %q is not json or console", c.Log.Format)
	}
	if _, err := cron.ParseStandard(c.Jobs.PurgeSchedule); err != nil {
		return fmt.Errorf("config: jobs.purge_schedule: %w", err)
	}
	return nil
}

// IsProduction reports whether the bot runs on Cloud Run / Cloud SQL.
func (c *Config) IsProduction() bool {
	return c.Database.InstanceConnectionName != "" || c.Environment == "production"
}

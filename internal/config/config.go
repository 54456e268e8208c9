package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	LogLevel       string        `mapstructure:"LOG_LEVEL"`
	StoreDriver    string        `mapstructure:"STORE_DRIVER"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBSchema       string        `mapstructure:"DB_SCHEMA"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	SQLitePath     string        `mapstructure:"SQLITE_PATH"`
	MigrationsDir  string        `mapstructure:"MIGRATIONS_DIR"`
	RedisURL       string        `mapstructure:"REDIS_URL"`
	RedisStreamMax int64         `mapstructure:"REDIS_STREAM_MAXLEN"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	TLSEnabled     bool          `mapstructure:"TLS_ENABLED"`
	TLSCertFile    string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile     string        `mapstructure:"TLS_KEY_FILE"`
	WebhookURLs    []string      `mapstructure:"WEBHOOK_URLS"`
	WebhookSecret  string        `mapstructure:"WEBHOOK_SECRET"`

	CapacityEnabled     bool          `mapstructure:"CAPACITY_MONITORING_ENABLED"`
	CapacityWarning     float64       `mapstructure:"CAPACITY_WARNING_THRESHOLD"`
	CapacityCritical    float64       `mapstructure:"CAPACITY_CRITICAL_THRESHOLD"`
	CapacityInterval    time.Duration `mapstructure:"CAPACITY_SAMPLE_INTERVAL"`
	CapacitySoundAlert  bool          `mapstructure:"CAPACITY_SOUND_ALERT"`
	CapacityEventBuffer int           `mapstructure:"CAPACITY_EVENT_BUFFER"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "STORE_DRIVER",
	"DATABASE_URL", "DB_SCHEMA", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"SQLITE_PATH", "MIGRATIONS_DIR",
	"REDIS_URL", "REDIS_STREAM_MAXLEN",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT", "BODY_LIMIT",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
	"WEBHOOK_URLS", "WEBHOOK_SECRET",
	"CAPACITY_MONITORING_ENABLED", "CAPACITY_WARNING_THRESHOLD",
	"CAPACITY_CRITICAL_THRESHOLD", "CAPACITY_SAMPLE_INTERVAL",
	"CAPACITY_SOUND_ALERT", "CAPACITY_EVENT_BUFFER",
}

// Load reads configuration from the environment and an optional .env file
// in the working directory, then validates it.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_DRIVER", DriverPostgres)
	v.SetDefault("DB_SCHEMA", "ward")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("SQLITE_PATH", "admissions.db")
	v.SetDefault("REDIS_STREAM_MAXLEN", 10000)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("CAPACITY_MONITORING_ENABLED", true)
	v.SetDefault("CAPACITY_WARNING_THRESHOLD", 80)
	v.SetDefault("CAPACITY_CRITICAL_THRESHOLD", 95)
	v.SetDefault("CAPACITY_SAMPLE_INTERVAL", "30s")
	v.SetDefault("CAPACITY_SOUND_ALERT", false)
	v.SetDefault("CAPACITY_EVENT_BUFFER", 64)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins)
	cfg.WebhookURLs = splitList(cfg.WebhookURLs)
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: Requests without a bearer token are treated as admin.")
		log.Println("WARNING: Set ENV=production and AUTH_SIGNING_KEY before deploying.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

// splitList flattens comma-separated entries and drops blanks.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// SigningKey decodes AUTH_SIGNING_KEY. It returns nil when the key is unset.
func (c *Config) SigningKey() ([]byte, error) {
	if c.AuthSigningKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.AuthSigningKey)
	if err != nil {
		return nil, fmt.Errorf("AUTH_SIGNING_KEY is not valid hex: %w", err)
	}
	return key, nil
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", DriverPostgres)
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER is %q", DriverSQLite)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q, %q or %q, got %q",
			DriverPostgres, DriverSQLite, DriverMemory, c.StoreDriver)
	}

	key, err := c.SigningKey()
	if err != nil {
		return err
	}
	if !c.IsDev() && len(key) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes (64 hex chars) outside development, got %d bytes", len(key))
	}

	if c.CapacityInterval <= 0 {
		return fmt.Errorf("CAPACITY_SAMPLE_INTERVAL must be positive, got %s", c.CapacityInterval)
	}
	if c.CapacityEventBuffer <= 0 {
		return fmt.Errorf("CAPACITY_EVENT_BUFFER must be positive, got %d", c.CapacityEventBuffer)
	}

	if len(c.WebhookURLs) > 0 && c.WebhookSecret == "" && !c.IsDev() {
		return fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_URLS is set outside development")
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}

package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

type Config struct {
	Port string `mapstructure:"PORT"`
	Env  string `mapstructure:"ENV"`

	StoreBackend       string        `mapstructure:"STORE_BACKEND"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	SQLitePath         string        `mapstructure:"SQLITE_PATH"`
	DBMaxConns         int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32         `mapstructure:"DB_MIN_CONNS"`
	StoreRetryAttempts int           `mapstructure:"STORE_RETRY_ATTEMPTS"`
	StoreRetryBackoff  time.Duration `mapstructure:"STORE_RETRY_BACKOFF"`
	StoreOpTimeout     time.Duration `mapstructure:"STORE_OP_TIMEOUT"`

	RenalThresholdMgDL float64 `mapstructure:"RENAL_THRESHOLD_MGDL"`
	AETerminologyFile  string  `mapstructure:"AE_TERMINOLOGY_FILE"`

	MLLPAddr     string        `mapstructure:"MLLP_ADDR"`
	FeedEnabled  bool          `mapstructure:"FEED_ENABLED"`
	FeedInterval time.Duration `mapstructure:"FEED_INTERVAL"`
	FeedPatients []int64       `mapstructure:"-"`

	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	CORSOrigins    []string      `mapstructure:"-"`
}

var keys = []string{
	"PORT", "ENV",
	"STORE_BACKEND", "DATABASE_URL", "SQLITE_PATH", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"STORE_RETRY_ATTEMPTS", "STORE_RETRY_BACKOFF", "STORE_OP_TIMEOUT",
	"RENAL_THRESHOLD_MGDL", "AE_TERMINOLOGY_FILE",
	"MLLP_ADDR", "FEED_ENABLED", "FEED_INTERVAL", "FEED_PATIENTS",
	"AUTH_SIGNING_KEY", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "BODY_LIMIT",
	"REQUEST_TIMEOUT", "CORS_ORIGINS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE_BACKEND", BackendMemory)
	v.SetDefault("SQLITE_PATH", "oncopharm.db")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("STORE_RETRY_ATTEMPTS", 3)
	v.SetDefault("STORE_RETRY_BACKOFF", "100ms")
	v.SetDefault("STORE_OP_TIMEOUT", "2s")
	v.SetDefault("RENAL_THRESHOLD_MGDL", 1.2)
	v.SetDefault("FEED_ENABLED", false)
	v.SetDefault("FEED_INTERVAL", "5s")
	v.SetDefault("FEED_PATIENTS", "1001,1002,1003")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("REQUEST_TIMEOUT", "15s")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

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

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))

	patients, err := parsePatients(v.GetString("FEED_PATIENTS"))
	if err != nil {
		return nil, err
	}
	cfg.FeedPatients = patients

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parsePatients(s string) ([]int64, error) {
	var ids []int64
	for _, part := range splitList(s) {
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("FEED_PATIENTS: invalid patient id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development
// AUTH_SIGNING_KEY must be set so that bearer tokens are enforced.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is %q", BackendPostgres)
		}
	case BackendSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_BACKEND is %q", BackendSQLite)
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be %q, %q or %q, got %q",
			BackendMemory, BackendPostgres, BackendSQLite, c.StoreBackend)
	}

	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes, got %d", len(c.AuthSigningKey))
	}

	if c.RenalThresholdMgDL <= 0 {
		return fmt.Errorf("RENAL_THRESHOLD_MGDL must be positive, got %v", c.RenalThresholdMgDL)
	}
	if c.StoreRetryAttempts < 1 {
		return fmt.Errorf("STORE_RETRY_ATTEMPTS must be at least 1, got %d", c.StoreRetryAttempts)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.FeedEnabled {
		if c.FeedInterval <= 0 {
			return fmt.Errorf("FEED_INTERVAL must be positive when FEED_ENABLED is true")
		}
		if len(c.FeedPatients) == 0 {
			return fmt.Errorf("FEED_PATIENTS is required when FEED_ENABLED is true")
		}
	}
	return nil
}

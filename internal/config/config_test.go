package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != "8000" {
		t.Errorf("expected default port 8000, got %s", cfg.Port)
	}
	if cfg.StoreBackend != BackendMemory {
		t.Errorf("expected memory backend, got %s", cfg.StoreBackend)
	}
	if cfg.RenalThresholdMgDL != 1.2 {
		t.Errorf("expected threshold 1.2, got %v", cfg.RenalThresholdMgDL)
	}
	if cfg.StoreRetryAttempts != 3 || cfg.StoreRetryBackoff != 100*time.Millisecond || cfg.StoreOpTimeout != 2*time.Second {
		t.Errorf("unexpected retry defaults %d %v %v", cfg.StoreRetryAttempts, cfg.StoreRetryBackoff, cfg.StoreOpTimeout)
	}
	if cfg.FeedEnabled {
		t.Error("feed must be disabled by default")
	}
	if len(cfg.FeedPatients) != 3 || cfg.FeedPatients[0] != 1001 {
		t.Errorf("unexpected feed patients %v", cfg.FeedPatients)
	}
	if cfg.RequestTimeout != 15*time.Second {
		t.Errorf("expected 15s request timeout, got %v", cfg.RequestTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("STORE_BACKEND", "sqlite")
	t.Setenv("SQLITE_PATH", "/tmp/episodes.db")
	t.Setenv("RENAL_THRESHOLD_MGDL", "1.5")
	t.Setenv("FEED_ENABLED", "true")
	t.Setenv("FEED_INTERVAL", "250ms")
	t.Setenv("FEED_PATIENTS", "7, 8")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("STORE_RETRY_BACKOFF", "1s")
	t.Setenv("MLLP_ADDR", ":2575")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.StoreBackend != BackendSQLite || cfg.SQLitePath != "/tmp/episodes.db" {
		t.Errorf("unexpected store config %s %s", cfg.StoreBackend, cfg.SQLitePath)
	}
	if cfg.RenalThresholdMgDL != 1.5 {
		t.Errorf("expected 1.5, got %v", cfg.RenalThresholdMgDL)
	}
	if !cfg.FeedEnabled || cfg.FeedInterval != 250*time.Millisecond {
		t.Errorf("unexpected feed config %v %v", cfg.FeedEnabled, cfg.FeedInterval)
	}
	if len(cfg.FeedPatients) != 2 || cfg.FeedPatients[1] != 8 {
		t.Errorf("unexpected feed patients %v", cfg.FeedPatients)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Errorf("unexpected origins %v", cfg.CORSOrigins)
	}
	if cfg.StoreRetryBackoff != time.Second {
		t.Errorf("expected 1s backoff, got %v", cfg.StoreRetryBackoff)
	}
	if cfg.MLLPAddr != ":2575" {
		t.Errorf("expected MLLP addr, got %q", cfg.MLLPAddr)
	}
}

func TestLoad_InvalidFeedPatients(t *testing.T) {
	t.Setenv("FEED_PATIENTS", "1001,abc")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-numeric patient id")
	}
}

func TestConfig_IsDev(t *testing.T) {
	c := &Config{Env: "development"}
	if !c.IsDev() {
		t.Error("expected IsDev() to return true for development")
	}

	c.Env = "production"
	if c.IsDev() {
		t.Error("expected IsDev() to return false for production")
	}
	if !c.IsProduction() {
		t.Error("expected IsProduction() to return true for production")
	}
}

func validConfig() *Config {
	return &Config{
		Env:                "development",
		StoreBackend:       BackendMemory,
		RenalThresholdMgDL: 1.2,
		StoreRetryAttempts: 3,
		DBMaxConns:         20,
		DBMinConns:         2,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		errSub string
	}{
		{"valid", func(c *Config) {}, ""},
		{"unknown backend", func(c *Config) { c.StoreBackend = "mongo" }, "STORE_BACKEND"},
		{"postgres without url", func(c *Config) { c.StoreBackend = BackendPostgres }, "DATABASE_URL"},
		{"postgres with url", func(c *Config) {
			c.StoreBackend = BackendPostgres
			c.DatabaseURL = "postgres://localhost/onco"
		}, ""},
		{"sqlite without path", func(c *Config) { c.StoreBackend = BackendSQLite }, "SQLITE_PATH"},
		{"production without key", func(c *Config) { c.Env = "production" }, "AUTH_SIGNING_KEY"},
		{"short key", func(c *Config) { c.AuthSigningKey = "short" }, "32 bytes"},
		{"production with key", func(c *Config) {
			c.Env = "production"
			c.AuthSigningKey = strings.Repeat("k", 32)
		}, ""},
		{"zero threshold", func(c *Config) { c.RenalThresholdMgDL = 0 }, "RENAL_THRESHOLD_MGDL"},
		{"no attempts", func(c *Config) { c.StoreRetryAttempts = 0 }, "STORE_RETRY_ATTEMPTS"},
		{"min over max", func(c *Config) { c.DBMinConns = 30 }, "DB_MIN_CONNS"},
		{"feed without interval", func(c *Config) {
			c.FeedEnabled = true
			c.FeedPatients = []int64{1}
		}, "FEED_INTERVAL"},
		{"feed without patients", func(c *Config) {
			c.FeedEnabled = true
			c.FeedInterval = time.Second
		}, "FEED_PATIENTS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			if tt.errSub == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errSub) {
				t.Errorf("expected error containing %q, got %v", tt.errSub, err)
			}
		})
	}
}

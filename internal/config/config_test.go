package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadKeepsDefaultsForMissingKeys(t *testing.T) {
	path := writeConfig(t, `
port: 9000
correlation:
  timeout: 30s
search:
  seed_sample_data: false
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9000 {
		t.Errorf("Port = %d, want 9000", cfg.Port)
	}
	if cfg.Correlation.Timeout != 30*time.Second {
		t.Errorf("Timeout = %s, want 30s", cfg.Correlation.Timeout)
	}
	if cfg.Correlation.PollBlock != 5*time.Second {
		t.Errorf("PollBlock = %s, want default 5s", cfg.Correlation.PollBlock)
	}
	if cfg.Search.SeedSampleData {
		t.Error("SeedSampleData should be false")
	}
	if !cfg.Search.RecreateOnStart {
		t.Error("RecreateOnStart should keep its default")
	}
	if cfg.Cache.QATTL != 2*time.Hour {
		t.Errorf("QATTL = %s, want 2h", cfg.Cache.QATTL)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "prot: 80\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadExplicitMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv(EnvPort, "8123")
	t.Setenv(EnvRedisURL, "cache.internal:6380")
	path := writeConfig(t, "redis_url: redis://ignored:6379/0\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8123 {
		t.Errorf("Port = %d, want 8123", cfg.Port)
	}
	if got := cfg.Redis.URLValue(); got != "redis://cache.internal:6380" {
		t.Errorf("URLValue = %q", got)
	}
}

func TestLoadLegacyAliases(t *testing.T) {
	path := writeConfig(t, `
redis_url: localhost:6390
allowed_origins: ["https://a.example"]
cors_allowed_origins: ["https://b.example", "https://a.example"]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Redis.URL != "redis://localhost:6390" {
		t.Errorf("Redis.URL = %q", cfg.Redis.URL)
	}
	if strings.Join(cfg.AllowedOrigins, ",") != "https://a.example,https://b.example" {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
}

func TestLoadSearchBreakerAndLanguages(t *testing.T) {
	path := writeConfig(t, `
search:
  breaker:
    trip_after: 2
    open_for: 5s
analytics:
  languages: [" EN ", "fr", "en", ""]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Search.Breaker != (BreakerConfig{TripAfter: 2, OpenFor: 5 * time.Second}) {
		t.Errorf("Breaker = %+v", cfg.Search.Breaker)
	}
	if strings.Join(cfg.Analytics.Languages, ",") != "en,fr" {
		t.Errorf("Languages = %v", cfg.Analytics.Languages)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*AppConfig)
	}{
		{"port", func(c *AppConfig) { c.Port = 70000 }},
		{"poll block", func(c *AppConfig) { c.Correlation.PollBlock = time.Hour }},
		{"same index", func(c *AppConfig) { c.Search.KnowledgeIndex = c.Search.CaptionsIndex }},
		{"breaker trip", func(c *AppConfig) { c.Search.Breaker.TripAfter = 0 }},
		{"breaker open", func(c *AppConfig) { c.Search.Breaker.OpenFor = 0 }},
		{"provider", func(c *AppConfig) { c.Worker.Provider.Type = "bard" }},
		{"archive bucket", func(c *AppConfig) { c.Archive.Enable = true }},
		{"archive interval", func(c *AppConfig) {
			c.Archive.Enable = true
			c.Archive.S3.Bucket = "captions"
			c.Archive.Interval = 0
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultAppConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
	cfg := defaultAppConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestRedisURLValueFromFields(t *testing.T) {
	c := RedisRuntimeConfig{Host: "redis", Port: 6379, DB: 2, Password: "s3cret", TLS: true}
	if got := c.URLValue(); got != "rediss://:s3cret@redis:6379/2" {
		t.Fatalf("URLValue = %q", got)
	}
}

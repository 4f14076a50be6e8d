package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func mapLookup(env map[string]string) lookupFunc {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestDefaultsAreValidInDevelopment(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Addr() != ":3001" {
		t.Fatalf("unexpected addr %s", cfg.Addr())
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(mapLookup(map[string]string{
		"PORT":                  "8080",
		"ENVIRONMENT":           "production",
		"JWT_SECRET":            strings.Repeat("s", 32),
		"TOKEN_TTL":             "12h",
		"KV_BACKEND":            "redis",
		"REDIS_ADDR":            "localhost:6379",
		"BACKUP_ENABLED":        "true",
		"BACKUP_AGE_RECIPIENTS": "age1aaa, age1bbb ,",
		"RATE_PER_SEC":          "2.5",
	}))
	if err != nil {
		t.Fatalf("applyEnv: %v", err)
	}
	if cfg.Port != 8080 || cfg.Auth.TokenTTL != 12*time.Hour || cfg.KV.Backend != "redis" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if !cfg.Backup.Enabled || len(cfg.Backup.AgeRecipients) != 2 || cfg.Backup.AgeRecipients[1] != "age1bbb" {
		t.Fatalf("backup overrides not applied: %+v", cfg.Backup)
	}
	if cfg.HTTP.RatePerSecond != 2.5 {
		t.Fatalf("rate not applied: %v", cfg.HTTP.RatePerSecond)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestApplyEnvRejectsMalformedValues(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(mapLookup(map[string]string{"TOKEN_TTL": "forever"}))
	if err == nil || !strings.Contains(err.Error(), "TOKEN_TTL") {
		t.Fatalf("expected TOKEN_TTL error, got %v", err)
	}
}

func TestValidateRequiresSecretOutsideDevelopment(t *testing.T) {
	cfg := Default()
	cfg.Environment = EnvProduction
	cfg.Auth.Secret = "short"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected short secret to be rejected")
	}
	cfg.Auth.Secret = strings.Repeat("k", 48)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg.KV.Backend = "redis"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected missing REDIS_ADDR to be rejected")
	}
}

func TestLoadReadsYAMLFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cms.yaml")
	body := "port: 4000\nauth:\n  preview_ttl: 30m\naudit:\n  retention_months: 6\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("CMS_CONFIG_FILE", path)
	t.Setenv("PORT", "5000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 5000 {
		t.Fatalf("env should override file, got port %d", cfg.Port)
	}
	if cfg.Auth.PreviewTTL != 30*time.Minute || cfg.Audit.RetentionMonths != 6 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
}

package config

import (
	"os"
	"testing"
	"time"
)

var configEnvVars = []string{
	"ADDR", "LOG_LEVEL", "VERSION", "REDIS_URL", "DATABASE_URL", "CATALOG_PATH", "CATALOG_WATCH",
	"CONTROL_PLANE_URL", "CONTROL_PLANE_TOKEN", "CONTROL_PLANE_TOKEN_SECRET",
	"CONFIG_CACHE_TTL", "CONFIG_FETCH_TIMEOUT", "AWS_REGION", "SNS_TOPIC_ARN",
	"EVENTS_QUEUE_URL", "OTLP_ENDPOINT", "ENCRYPTION_KEY", "ADMIN_TOKEN_HASH",
	"PROVIDER_TIMEOUT", "IDEMPOTENCY_TTL", "CB_FAILURE_THRESHOLD", "CB_WINDOW",
	"CB_COOLDOWN", "SHUTDOWN_TIMEOUT",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, v := range configEnvVars {
		if old, ok := os.LookupEnv(v); ok {
			os.Unsetenv(v)
			t.Cleanup(func() { os.Setenv(v, old) })
		}
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name     string
		got      string
		expected string
	}{
		{"Addr", cfg.Addr, ":8080"},
		{"LogLevel", cfg.LogLevel, "info"},
		{"RedisURL", cfg.RedisURL, ""},
		{"DatabaseURL", cfg.DatabaseURL, ""},
		{"CatalogPath", cfg.CatalogPath, ""},
		{"ControlPlaneURL", cfg.ControlPlaneURL, ""},
		{"OTLPEndpoint", cfg.OTLPEndpoint, ""},
		{"AdminTokenHash", cfg.AdminTokenHash, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.expected)
			}
		})
	}

	durations := []struct {
		name     string
		got      time.Duration
		expected time.Duration
	}{
		{"ConfigCacheTTL", cfg.ConfigCacheTTL, 60 * time.Second},
		{"ConfigFetchTimeout", cfg.ConfigFetchTimeout, 2 * time.Second},
		{"ProviderTimeout", cfg.ProviderTimeout, 30 * time.Second},
		{"IdempotencyTTL", cfg.IdempotencyTTL, 24 * time.Hour},
		{"CBWindow", cfg.CBWindow, 60 * time.Second},
		{"CBCooldown", cfg.CBCooldown, 30 * time.Second},
		{"ShutdownTimeout", cfg.ShutdownTimeout, 30 * time.Second},
	}
	for _, tt := range durations {
		if tt.got != tt.expected {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.expected)
		}
	}

	if cfg.CBFailureThreshold != 5 {
		t.Errorf("CBFailureThreshold = %d, want 5", cfg.CBFailureThreshold)
	}
	if !cfg.WatchCatalog {
		t.Error("WatchCatalog should default to true")
	}
}

func TestLoad_FromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("ADDR", ":9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("CONTROL_PLANE_URL", "http://control-plane:3000")
	t.Setenv("CONFIG_CACHE_TTL", "2m")
	t.Setenv("CONFIG_FETCH_TIMEOUT", "5")
	t.Setenv("CB_FAILURE_THRESHOLD", "3")
	t.Setenv("CATALOG_WATCH", "false")
	t.Setenv("SNS_TOPIC_ARN", "arn:aws:sns:us-east-1:123456789012:alerts")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Addr != ":9090" || cfg.LogLevel != "debug" || cfg.RedisURL != "redis://localhost:6379" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.ControlPlaneURL != "http://control-plane:3000" {
		t.Errorf("ControlPlaneURL = %q", cfg.ControlPlaneURL)
	}
	if cfg.ConfigCacheTTL != 2*time.Minute {
		t.Errorf("ConfigCacheTTL = %v, want 2m", cfg.ConfigCacheTTL)
	}
	if cfg.ConfigFetchTimeout != 5*time.Second {
		t.Errorf("ConfigFetchTimeout = %v, want 5s", cfg.ConfigFetchTimeout)
	}
	if cfg.CBFailureThreshold != 3 {
		t.Errorf("CBFailureThreshold = %d, want 3", cfg.CBFailureThreshold)
	}
	if cfg.WatchCatalog {
		t.Error("WatchCatalog should be false")
	}
	if cfg.SNSTopicARN == "" {
		t.Error("SNSTopicARN not loaded")
	}
}

func TestGetDurationEnv_Invalid(t *testing.T) {
	t.Setenv("TEST_DURATION", "soon")

	if got := getDurationEnv("TEST_DURATION", 7*time.Second); got != 7*time.Second {
		t.Errorf("getDurationEnv = %v, want default", got)
	}
}

func TestGetIntEnv_Invalid(t *testing.T) {
	t.Setenv("TEST_INT", "many")

	if got := getIntEnv("TEST_INT", 4); got != 4 {
		t.Errorf("getIntEnv = %d, want default", got)
	}
}

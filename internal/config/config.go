// Package config loads process settings from the environment and the
// provider/model/tenant catalog from YAML.
package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr        string
	LogLevel    string
	Version     string
	RedisURL    string
	DatabaseURL string
	CatalogPath string
	// WatchCatalog reloads the catalog file when it changes.
	WatchCatalog bool

	// Tenant policy service. Disabled when ControlPlaneURL is empty.
	ControlPlaneURL         string
	ControlPlaneToken       string
	ControlPlaneTokenSecret string
	ConfigCacheTTL          time.Duration
	ConfigFetchTimeout      time.Duration

	AWSRegion      string
	SNSTopicARN    string
	EventsQueueURL string
	OTLPEndpoint   string

	EncryptionKey  string
	AdminTokenHash string

	ProviderTimeout    time.Duration
	IdempotencyTTL     time.Duration
	CBFailureThreshold int
	CBWindow           time.Duration
	CBCooldown         time.Duration

	ShutdownTimeout time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:        getEnv("ADDR", ":8080"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Version:     getEnv("VERSION", "dev"),
		RedisURL:    getEnv("REDIS_URL", ""),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		CatalogPath: getEnv("CATALOG_PATH", ""),

		WatchCatalog: getBoolEnv("CATALOG_WATCH", true),

		ControlPlaneURL:         getEnv("CONTROL_PLANE_URL", ""),
		ControlPlaneToken:       getEnv("CONTROL_PLANE_TOKEN", ""),
		ControlPlaneTokenSecret: getEnv("CONTROL_PLANE_TOKEN_SECRET", ""),
		ConfigCacheTTL:          getDurationEnv("CONFIG_CACHE_TTL", 60*time.Second),
		ConfigFetchTimeout:      getDurationEnv("CONFIG_FETCH_TIMEOUT", 2*time.Second),

		AWSRegion:      getEnv("AWS_REGION", ""),
		SNSTopicARN:    getEnv("SNS_TOPIC_ARN", ""),
		EventsQueueURL: getEnv("EVENTS_QUEUE_URL", ""),
		OTLPEndpoint:   getEnv("OTLP_ENDPOINT", ""),

		EncryptionKey:  getEnv("ENCRYPTION_KEY", ""),
		AdminTokenHash: getEnv("ADMIN_TOKEN_HASH", ""),

		ProviderTimeout:    getDurationEnv("PROVIDER_TIMEOUT", 30*time.Second),
		IdempotencyTTL:     getDurationEnv("IDEMPOTENCY_TTL", 24*time.Hour),
		CBFailureThreshold: getIntEnv("CB_FAILURE_THRESHOLD", 5),
		CBWindow:           getDurationEnv("CB_WINDOW", 60*time.Second),
		CBCooldown:         getDurationEnv("CB_COOLDOWN", 30*time.Second),

		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv accepts Go duration strings ("90s", "2m") or a bare number
// of seconds.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// Package config loads server configuration from the environment,
// following the recognized options table in spec.md section 6.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all server configuration.
type Config struct {
	ListenPort  string // listen_port
	ServiceVersion int // service_version

	DurableStoreURL string // durable_store_url (SQLite DSN)
	HotTierURL      string // hot_tier_url (Redis address; empty disables the hot tier client)
	TokenSecret     string // token_secret

	ExpiryDays          int
	CleanupInterval     time.Duration
	IdleTimeout         time.Duration
	MaxDocumentSize     int
	WSReadTimeout       time.Duration
	WSWriteTimeout      time.Duration
	BroadcastBufferSize int
}

// Load reads configuration from the environment, applying the same
// defaults the teacher server shipped with.
func Load() Config {
	return Config{
		ListenPort:     getEnv("PORT", "3030"),
		ServiceVersion: getEnvInt("SERVICE_VERSION", 1),

		DurableStoreURL: os.Getenv("DURABLE_STORE_URL"),
		HotTierURL:      os.Getenv("HOT_TIER_URL"),
		TokenSecret:     getEnv("TOKEN_SECRET", ""),

		ExpiryDays:          getEnvInt("EXPIRY_DAYS", 7),
		CleanupInterval:     time.Duration(getEnvInt("CLEANUP_INTERVAL_HOURS", 1)) * time.Hour,
		IdleTimeout:         time.Duration(getEnvInt("IDLE_TIMEOUT_MINUTES", 30)) * time.Minute,
		MaxDocumentSize:     getEnvInt("MAX_DOCUMENT_SIZE_KB", 256) * 1024,
		WSReadTimeout:       time.Duration(getEnvInt("WS_READ_TIMEOUT_MINUTES", 30)) * time.Minute,
		WSWriteTimeout:      time.Duration(getEnvInt("WS_WRITE_TIMEOUT_SECONDS", 10)) * time.Second,
		BroadcastBufferSize: getEnvInt("BROADCAST_BUFFER_SIZE", 16),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

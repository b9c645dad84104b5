// Package config loads runtime settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all runtime settings.
type Config struct {
	// DatabaseURL is the Postgres DSN. Empty means the in-memory store,
	// which is only useful for tests and local experiments.
	DatabaseURL string

	// HTTPAddr is the admin API listen address.
	HTTPAddr string

	// LogLevel is a zerolog level name (debug, info, warn, error).
	LogLevel string

	// PreserveManualOverrides stops the engine from overwriting tags an
	// operator set by hand.
	PreserveManualOverrides bool
}

// Load reads configuration from the environment. A missing .env file is not
// an error.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		DatabaseURL:             getEnv("DATABASE_URL", ""),
		HTTPAddr:                getEnv("HTTP_ADDR", ":8080"),
		LogLevel:                getEnv("LOG_LEVEL", "info"),
		PreserveManualOverrides: getBool("AUTOTAG_PRESERVE_MANUAL", false),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

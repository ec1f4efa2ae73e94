// Package config loads server configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     int
	LogLevel string

	DBPath string

	RedisAddr     string
	RedisPassword string

	JWTSecret string

	XClientID     string
	XClientSecret string
	XCallbackURL  string

	// RefreshInterval is the leaderboard polling cadence.
	RefreshInterval time.Duration
}

// Load reads configuration from the environment. A missing .env is fine —
// production sets real env vars.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := &Config{
		Port:            getEnvAsInt("PORT", 8080),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		DBPath:          getEnv("DB_PATH", "data/waitlist.db"),
		RedisAddr:       getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:   getEnv("REDIS_PASSWORD", ""),
		JWTSecret:       getEnv("JWT_SECRET", ""),
		XClientID:       getEnv("X_CLIENT_ID", ""),
		XClientSecret:   getEnv("X_CLIENT_SECRET", ""),
		XCallbackURL:    getEnv("X_CALLBACK_URL", ""),
		RefreshInterval: getEnvAsDuration("LEADERBOARD_REFRESH_INTERVAL", 30*time.Second),
	}

	if cfg.XCallbackURL == "" {
		cfg.XCallbackURL = fmt.Sprintf("http://localhost:%d/auth/x/callback", cfg.Port)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
		log.Printf("invalid integer for %s, using default %d", key, fallback)
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
		log.Printf("invalid duration for %s, using default %s", key, fallback)
	}
	return fallback
}

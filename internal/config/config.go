package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server settings
	ServerPort string
	ServerHost string

	// Database settings
	DatabaseURL string

	// Google OAuth settings (Gmail-linked mailboxes)
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	// OpenAI settings
	OpenAIAPIKey string
	OpenAIModel  string

	// Connection settings
	DefaultPollIntervalSeconds int // Used when an account has no interval configured
	FailureThreshold           int // Consecutive poll failures before a connection errors
	MonitorLogCapacity         int // Per-user monitoring event ring size
}

// Load reads configuration from the environment, with .env support
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ServerPort:                 getEnv("SERVER_PORT", "8080"),
		ServerHost:                 getEnv("SERVER_HOST", "localhost"),
		DatabaseURL:                getEnv("DATABASE_URL", "postgres://localhost:5432/mailflow?sslmode=disable"),
		GoogleClientID:             getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret:         getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURL:          getEnv("GOOGLE_REDIRECT_URL", "http://localhost:8080/auth/callback"),
		OpenAIAPIKey:               getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:                getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		DefaultPollIntervalSeconds: getEnvInt("DEFAULT_POLL_INTERVAL", 60),
		FailureThreshold:           getEnvInt("FAILURE_THRESHOLD", 3),
		MonitorLogCapacity:         getEnvInt("MONITOR_LOG_CAPACITY", 500),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	if cfg.DefaultPollIntervalSeconds <= 0 {
		return nil, fmt.Errorf("DEFAULT_POLL_INTERVAL must be positive")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

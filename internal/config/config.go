package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Browser modes
const (
	BrowserDocker = "docker"
	BrowserLocal  = "local"
)

// Config holds the worker server configuration
type Config struct {
	Port        string
	Environment string
	JWTSecret   string

	CatalogPath string
	AuditDBPath string

	// Browser configuration
	BrowserMode   string // "docker" or "local"
	ChromeImage   string
	ChromeHost    string
	ChromePath    string // local mode only
	Headless      bool   // local mode only
	BrowserReady  time.Duration
	ScreenshotTTL time.Duration

	// Limits
	MaxRunsPerUser   int
	RateLimitPerHour int
	RateLimitBurst   int

	// Batches
	BatchRetention time.Duration

	AllowedOrigins []string
}

// Load reads a .env file if present, then the environment
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using system environment variables")
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),
		JWTSecret:   getEnv("JWT_SECRET", ""),

		CatalogPath: getEnv("CATALOG_PATH", "./exams.yaml"),
		AuditDBPath: getEnv("AUDIT_DB_PATH", "./storage/audit.db"),

		BrowserMode:   strings.ToLower(getEnv("BROWSER_MODE", BrowserDocker)),
		ChromeImage:   getEnv("CHROME_IMAGE", "browserless/chrome:latest"),
		ChromeHost:    getEnv("CHROME_HOST", "localhost"),
		ChromePath:    getEnv("CHROME_PATH", ""),
		Headless:      getBoolEnv("CHROME_HEADLESS", true),
		BrowserReady:  getDurationEnv("BROWSER_READY_TIMEOUT", 30*time.Second),
		ScreenshotTTL: getDurationEnv("SCREENSHOT_TTL", 30*time.Minute),

		MaxRunsPerUser:   getIntEnv("MAX_RUNS_PER_USER", 3),
		RateLimitPerHour: getIntEnv("RATE_LIMIT_PER_HOUR", 100),
		RateLimitBurst:   getIntEnv("RATE_LIMIT_BURST", 10),

		BatchRetention: getDurationEnv("BATCH_RETENTION", 24*time.Hour),

		AllowedOrigins: getListEnv("ALLOWED_ORIGINS", []string{"*"}),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values Load cannot default
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.BrowserMode != BrowserDocker && c.BrowserMode != BrowserLocal {
		return fmt.Errorf("BROWSER_MODE must be %q or %q, got %q", BrowserDocker, BrowserLocal, c.BrowserMode)
	}
	if c.MaxRunsPerUser < 1 {
		return fmt.Errorf("MAX_RUNS_PER_USER must be at least 1")
	}
	if c.RateLimitPerHour < 1 || c.RateLimitBurst < 1 {
		return fmt.Errorf("rate limit values must be positive")
	}
	return nil
}

// IsProduction reports whether ENVIRONMENT is production
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

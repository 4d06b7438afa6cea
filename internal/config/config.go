package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the dashboard settings read from .env and the environment.
type Config struct {
	// Backend
	BackendURL string
	PushURL    string
	APIToken   string

	// HTTP server
	ListenAddr  string
	CorsOrigins []string

	// Logging
	LogLevel string

	// Push / polling
	PushEnabled           bool
	StatusTopic           string
	PollInterval          time.Duration
	PollMaxRetries        int
	PollBackoffMultiplier float64
	PollMaxBackoff        time.Duration

	// Optional infrastructure. Empty disables the component.
	DatabaseURL   string
	AMQPURI       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Instruments get a backfill request queue declared at startup.
	Instruments []string

	CandleCacheTTL  time.Duration
	AccountCacheTTL time.Duration
}

// Load reads .env (if present) and then the process environment.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil {
		// only the implicit .env is optional
		if len(envFiles) > 0 || !os.IsNotExist(err) {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}

	cfg := &Config{
		BackendURL:            getEnv("BACKEND_URL", "http://localhost:8000/api"),
		PushURL:               getEnv("PUSH_URL", "ws://localhost:8000/ws"),
		APIToken:              os.Getenv("API_TOKEN"),
		ListenAddr:            getEnv("LISTEN_ADDR", ":8080"),
		CorsOrigins:           getEnvAsSlice("CORS_ORIGINS", []string{"http://localhost:5173"}),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		PushEnabled:           getEnvAsBool("PUSH_ENABLED", true),
		StatusTopic:           getEnv("STATUS_TOPIC", "task-status"),
		PollInterval:          getEnvAsDuration("POLL_INTERVAL", 3*time.Second),
		PollMaxRetries:        getEnvAsInt("POLL_MAX_RETRIES", 5),
		PollBackoffMultiplier: getEnvAsFloat("POLL_BACKOFF_MULTIPLIER", 2),
		PollMaxBackoff:        getEnvAsDuration("POLL_MAX_BACKOFF", 60*time.Second),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		AMQPURI:               os.Getenv("AMQP_URI"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               getEnvAsInt("REDIS_DB", 0),
		Instruments:           getEnvAsSlice("INSTRUMENTS", []string{"EURUSD"}),
		CandleCacheTTL:        getEnvAsDuration("CANDLE_CACHE_TTL", 30*time.Second),
		AccountCacheTTL:       getEnvAsDuration("ACCOUNT_CACHE_TTL", 60*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail much later.
func (c *Config) Validate() error {
	if c.BackendURL == "" {
		return fmt.Errorf("BACKEND_URL is required")
	}
	if c.PushEnabled && c.PushURL == "" {
		return fmt.Errorf("PUSH_URL is required when PUSH_ENABLED is true")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.PollInterval)
	}
	if c.PollMaxRetries <= 0 {
		return fmt.Errorf("POLL_MAX_RETRIES must be positive, got %d", c.PollMaxRetries)
	}
	if c.PollBackoffMultiplier < 1 {
		return fmt.Errorf("POLL_BACKOFF_MULTIPLIER must be >= 1, got %g", c.PollBackoffMultiplier)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return v
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if v, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return v
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if v, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return v
	}
	return defaultValue
}

// getEnvAsDuration accepts Go durations ("3s") or plain milliseconds ("3000").
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	s := getEnv(key, "")
	if s == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(s); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return defaultValue
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

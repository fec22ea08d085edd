package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration.
type Config struct {
	// Required variables
	ClerkSecretKey string
	ConvexURL      string

	// Optional variables with defaults
	Port                string
	FrontendURL         string
	CORSOrigins         []string
	ClerkPublishableKey string
	ConvexDeployKey     string
	LogLevel            string

	HeartbeatInterval     time.Duration
	ConnectionTimeout     time.Duration
	RoomInactivityTimeout time.Duration
	TurnTimeLimit         time.Duration
	RateLimitWindow       time.Duration
	MessageBatchTimeout   time.Duration
	HealthCheckTimeout    time.Duration

	MaxRoomsPerServer    int
	RateLimitMaxRequests int
	MessageBatchSize     int

	// Optional infrastructure
	RedisAddr     string
	RedisPassword string
	OTelCollector string

	// Development only
	SkipAuth        bool
	DevelopmentMode bool
}

// ValidateEnv validates all recognized environment variables and returns a
// Config. Every missing required variable and every malformed value is
// collected so the startup diagnostic lists them all at once.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var problems []string

	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"

	// Required: CLERK_SECRET_KEY (credential validation is delegated, but the
	// key must be present to reach the issuer). Dev mode with SKIP_AUTH may
	// omit it.
	cfg.ClerkSecretKey = os.Getenv("CLERK_SECRET_KEY")
	if cfg.ClerkSecretKey == "" && !cfg.SkipAuth {
		problems = append(problems, "CLERK_SECRET_KEY is required")
	}
	cfg.ClerkPublishableKey = os.Getenv("CLERK_PUBLISHABLE_KEY")

	// Required: CONVEX_URL (persistence endpoint)
	cfg.ConvexURL = os.Getenv("CONVEX_URL")
	if cfg.ConvexURL == "" {
		problems = append(problems, "CONVEX_URL is required")
	}
	cfg.ConvexDeployKey = os.Getenv("CONVEX_DEPLOY_KEY")

	cfg.Port = getEnvOrDefault("PORT", "3001")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		problems = append(problems, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	cfg.FrontendURL = os.Getenv("FRONTEND_URL")
	if raw := os.Getenv("CORS_ORIGINS"); raw != "" {
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
	}
	if cfg.FrontendURL != "" {
		cfg.CORSOrigins = append(cfg.CORSOrigins, cfg.FrontendURL)
	}

	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "INFO")
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		problems = append(problems, fmt.Sprintf("LOG_LEVEL must be one of DEBUG, INFO, WARN, ERROR (got '%s')", cfg.LogLevel))
	}

	cfg.HeartbeatInterval = durationMs("WS_HEARTBEAT_INTERVAL", 30000, &problems)
	cfg.ConnectionTimeout = durationMs("WS_CONNECTION_TIMEOUT", 60000, &problems)
	cfg.RoomInactivityTimeout = durationMs("ROOM_INACTIVITY_TIMEOUT", 1800000, &problems)
	cfg.TurnTimeLimit = durationMs("TURN_TIME_LIMIT", 90000, &problems)
	cfg.RateLimitWindow = durationMs("RATE_LIMIT_WINDOW", 60000, &problems)
	cfg.MessageBatchTimeout = durationMs("MESSAGE_BATCH_TIMEOUT", 100, &problems)
	cfg.HealthCheckTimeout = durationMs("HEALTH_CHECK_TIMEOUT", 5000, &problems)

	cfg.MaxRoomsPerServer = intVar("MAX_ROOMS_PER_SERVER", 100, &problems)
	cfg.RateLimitMaxRequests = intVar("RATE_LIMIT_MAX_REQUESTS", 100, &problems)
	cfg.MessageBatchSize = intVar("MESSAGE_BATCH_SIZE", 10, &problems)

	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	if cfg.RedisAddr != "" && !isValidHostPort(cfg.RedisAddr) {
		problems = append(problems, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
	}
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.OTelCollector = os.Getenv("OTEL_COLLECTOR_ADDR")

	if len(problems) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(problems, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

func durationMs(key string, defaultMs int, problems *[]string) time.Duration {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return time.Duration(defaultMs) * time.Millisecond
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		*problems = append(*problems, fmt.Sprintf("%s must be a positive integer of milliseconds (got '%s')", key, raw))
		return time.Duration(defaultMs) * time.Millisecond
	}
	return time.Duration(ms) * time.Millisecond
}

func intVar(key string, defaultVal int, problems *[]string) int {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		*problems = append(*problems, fmt.Sprintf("%s must be a positive integer (got '%s')", key, raw))
		return defaultVal
	}
	return n
}

// isValidHostPort checks if a string is in the format "host:port".
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	return parts[0] != ""
}

// logValidatedConfig logs the validated configuration with secrets redacted.
func logValidatedConfig(cfg *Config) {
	slog.Info("Environment configuration validated")
	slog.Info("Configuration",
		"port", cfg.Port,
		"convex_url", cfg.ConvexURL,
		"clerk_secret_key", redactSecret(cfg.ClerkSecretKey),
		"log_level", cfg.LogLevel,
		"heartbeat_interval", cfg.HeartbeatInterval,
		"turn_time_limit", cfg.TurnTimeLimit,
		"max_rooms_per_server", cfg.MaxRoomsPerServer,
		"rate_limit", fmt.Sprintf("%d per %s", cfg.RateLimitMaxRequests, cfg.RateLimitWindow),
		"redis_addr", cfg.RedisAddr,
		"development_mode", cfg.DevelopmentMode,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters.
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}

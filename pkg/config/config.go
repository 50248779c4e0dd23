package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vecino-dev/vecino/pkg/observability"
	"github.com/vecino-dev/vecino/pkg/subscriptions"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Storage       StorageConfig
	Auth          AuthConfig
	Engine        EngineConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// StorageConfig holds database and cache configuration
type StorageConfig struct {
	PostgresURL      string
	PostgresMaxConns int
	PostgresMinConns int
	PostgresTimeout  time.Duration

	RedisURL      string
	RedisPassword string
	RedisDB       int
}

// AuthConfig holds authentication and lockout configuration
type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration

	LockoutMaxFailures int
	LockoutWindow      time.Duration
}

// EngineConfig holds subscription lifecycle settings
type EngineConfig struct {
	DemoteOnCancel  bool
	RestoreFallback string
	GraceMonths     int
	TrialDays       int
	SweepSchedule   string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Auth:          loadAuthConfig(),
		Engine:        loadEngineConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("VECINO_HOST", "0.0.0.0"),
		Port:            getEnv("VECINO_PORT", "8080"),
		ReadTimeout:     getEnvDuration("VECINO_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("VECINO_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("VECINO_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("VECINO_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("VECINO_HEALTH_PORT", "9090"),
	}
}

func loadStorageConfig() StorageConfig {
	return StorageConfig{
		PostgresURL:      getEnv("VECINO_POSTGRES_URL", ""),
		PostgresMaxConns: getEnvInt("VECINO_POSTGRES_MAX_CONNS", 25),
		PostgresMinConns: getEnvInt("VECINO_POSTGRES_MIN_CONNS", 5),
		PostgresTimeout:  getEnvDuration("VECINO_POSTGRES_TIMEOUT", 10*time.Second),
		RedisURL:         getEnv("VECINO_REDIS_URL", "redis://localhost:6379/0"),
		RedisPassword:    getEnv("VECINO_REDIS_PASSWORD", ""),
		RedisDB:          getEnvInt("VECINO_REDIS_DB", -1),
	}
}

func loadAuthConfig() AuthConfig {
	return AuthConfig{
		JWTSecret:          getEnv("VECINO_JWT_SECRET", ""),
		TokenTTL:           getEnvDuration("VECINO_TOKEN_TTL", 24*time.Hour),
		LockoutMaxFailures: getEnvInt("VECINO_LOCKOUT_MAX_FAILURES", 5),
		LockoutWindow:      getEnvDuration("VECINO_LOCKOUT_WINDOW", 5*time.Minute),
	}
}

func loadEngineConfig() EngineConfig {
	return EngineConfig{
		DemoteOnCancel:  getEnvBool("VECINO_DEMOTE_ON_CANCEL", false),
		RestoreFallback: getEnv("VECINO_RESTORE_FALLBACK", string(subscriptions.FallbackHeuristic)),
		GraceMonths:     getEnvInt("VECINO_GRACE_MONTHS", 1),
		TrialDays:       getEnvInt("VECINO_TRIAL_DAYS", 30),
		SweepSchedule:   getEnv("VECINO_SWEEP_SCHEDULE", "0 3 * * *"),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:       observability.ParseLogLevel(getEnv("VECINO_LOG_LEVEL", "info")),
		MetricsEnabled: getEnvBool("VECINO_METRICS_ENABLED", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Storage.PostgresURL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.Storage.RedisURL == "" {
		return fmt.Errorf("redis URL is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT secret is required")
	}
	if c.Auth.LockoutMaxFailures <= 0 {
		return fmt.Errorf("lockout max failures must be positive")
	}
	if c.Auth.LockoutWindow <= 0 {
		return fmt.Errorf("lockout window must be positive")
	}

	switch subscriptions.FallbackPolicy(c.Engine.RestoreFallback) {
	case subscriptions.FallbackHeuristic, subscriptions.FallbackResident:
	default:
		return fmt.Errorf("invalid restore fallback: %s (must be heuristic or resident)", c.Engine.RestoreFallback)
	}
	if c.Engine.GraceMonths <= 0 {
		return fmt.Errorf("grace months must be positive")
	}
	if c.Engine.TrialDays <= 0 {
		return fmt.Errorf("trial days must be positive")
	}

	return nil
}

// EngineSettings converts the engine section into the lifecycle config
func (c *Config) EngineSettings() *subscriptions.Config {
	cfg := subscriptions.DefaultConfig()
	cfg.DemoteOnCancel = c.Engine.DemoteOnCancel
	cfg.RestoreFallback = subscriptions.FallbackPolicy(c.Engine.RestoreFallback)
	cfg.GraceMonths = c.Engine.GraceMonths
	return cfg
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

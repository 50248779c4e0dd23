// Package config provides application configuration management from environment variables.
//
// # Overview
//
// This package loads and validates configuration from environment variables with
// sensible defaults for all settings.
//
// # Configuration Structure
//
// Server settings:
//
//	VECINO_HOST="0.0.0.0"
//	VECINO_PORT="8080"
//	VECINO_HEALTH_PORT="9090"
//	VECINO_READ_TIMEOUT="15s"
//	VECINO_WRITE_TIMEOUT="15s"
//
// Storage settings:
//
//	VECINO_POSTGRES_URL="postgres://localhost/vecino"
//	VECINO_POSTGRES_MAX_CONNS="25"
//	VECINO_REDIS_URL="redis://localhost:6379/0"
//
// Authentication settings:
//
//	VECINO_JWT_SECRET="..."
//	VECINO_TOKEN_TTL="24h"
//	VECINO_LOCKOUT_MAX_FAILURES="5"
//	VECINO_LOCKOUT_WINDOW="5m"
//
// Lifecycle engine settings:
//
//	VECINO_DEMOTE_ON_CANCEL="false"
//	VECINO_RESTORE_FALLBACK="heuristic"  # heuristic, resident
//	VECINO_GRACE_MONTHS="1"
//	VECINO_TRIAL_DAYS="30"
//	VECINO_SWEEP_SCHEDULE="0 3 * * *"
//
// Observability settings:
//
//	VECINO_LOG_LEVEL="info"  # debug, info, warn, error
//	VECINO_METRICS_ENABLED="true"
//
// # Usage Example
//
// Load configuration:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	fmt.Printf("Server: %s:%s\n", cfg.Server.Host, cfg.Server.Port)
//	fmt.Printf("Log level: %v\n", cfg.Observability.LogLevel)
//
// # Related Packages
//
//   - pkg/storage/postgres: Uses storage configuration
//   - pkg/subscriptions: Uses lifecycle engine configuration
package config

// Package config handles configuration loading for deskhop.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${DESKHOP_JWT_SECRET}"
//
// After file parsing, DESKHOP_* environment variables override individual
// fields (DESKHOP_PORT, DESKHOP_DB_PATH, DESKHOP_LOG_LEVEL, ...).
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	chat:
//	  idle_timeout: "30m"
//	  reaper_interval: "30s"
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  host: "0.0.0.0"
//	  port: 8080
//
// Database:
//
//	database:
//	  path: "/var/lib/deskhop/deskhop.db"
//
// Authentication:
//
//	auth:
//	  jwt_secret: "${DESKHOP_JWT_SECRET}"
//	  jwt_expires_in: "24h"
//
// Chat routing:
//
//	chat:
//	  max_chats_per_agent: 5
//	  auto_assign: true
//	  idle_timeout: "30m"
//	  reaper_interval: "30s"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config

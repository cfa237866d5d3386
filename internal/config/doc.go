// Package config handles configuration loading for coven-branches.
//
// # Configuration File
//
// The file location is resolved by DefaultPath:
//
//  1. Path from the COVEN_BRANCHES_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/branches.yaml
//  3. ~/.config/coven/branches.yaml
//
// # Environment Variable Expansion
//
// Values can reference environment variables with ${VAR_NAME}; unset
// variables expand to the empty string:
//
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}"
//	redis:
//	  url: "${REDIS_URL}"
//
// # Duration Parsing
//
// Durations use time.ParseDuration syntax and must be positive:
//
//	realtime:
//	  poll_interval: "250ms"
//	  retention: "10m"
//	rate_limit:
//	  window: "1m"
//
// # Event Transport
//
// The gateway picks one transport at boot: Redis when redis.url is set, else
// the database event log when realtime.enabled, else an in-process bus, which
// is only accepted when environment is development. Validate rejects a
// production config with no transport.
//
// # Example
//
//	environment: production
//	server:
//	  http_addr: "0.0.0.0:8080"
//	database:
//	  path: "/var/lib/coven/branches.db"
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}"
//	redis:
//	  url: "redis://redis:6379/0"
//	llm:
//	  api_key: "${OPENAI_API_KEY}"
//	  model: "gpt-4o-mini"
//	logging:
//	  level: info
//	  format: json
//	metrics:
//	  enabled: true
package config

// Package config handles configuration loading for deskbridge.
//
// # Configuration File
//
// Locations, in order:
//
//  1. The --config flag
//  2. Path from the DESKBRIDGE_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/deskbridge/config.yaml (or ~/.config/deskbridge/config.yaml)
//
// Files ending in .toml are decoded as TOML; anything else is YAML.
//
// # Environment Variable Expansion
//
// Values can reference environment variables with ${VAR_NAME}:
//
//	freshchat:
//	  api_key: "${FRESHCHAT_API_KEY}"
//
// Unset variables expand to the empty string.
//
// # Durations
//
// Duration values use time.ParseDuration syntax ("30s", "10m", "1h") and must be positive.
//
// # Example
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
//	database:
//	  driver: "sqlite"            # or postgres with dsn
//	  path: "/var/lib/deskbridge/mappings.db"
//
//	cache:
//	  ttl: "30m"
//	  max_entries: 1000
//
//	router:
//	  locale: "ko"
//	  default_platform: "freshchat"
//	  tenants:
//	    acme: "zendesk"
//
//	matrix:
//	  homeserver: "https://matrix.example.org"
//	  user_id: "@helpdesk:example.org"
//	  access_token: "${MATRIX_TOKEN}"
//
//	freshchat:
//	  enabled: true
//	  api_url: "https://example.freshchat.com/v2"
//	  api_key: "${FRESHCHAT_API_KEY}"
//	  channel_id: "${FRESHCHAT_CHANNEL_ID}"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// Load applies defaults for everything else and validates the result.
package config

// Package config handles configuration loading for coven-control.
//
// # Configuration File
//
// The file is chosen by ResolvePath, in order:
//
//  1. The path given on the command line
//  2. The COVEN_CONTROL_CONFIG environment variable
//  3. ./coven-control.yaml
//
// Files ending in .toml are decoded as TOML; anything else is YAML. Both
// formats use the same keys.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	tailscale:
//	  auth_key: "${TS_AUTHKEY}"
//
// COVEN_CONTROL_DB_PATH, when set, overrides database.path.
//
// # Configuration Sections
//
//	server:
//	  grpc_addr: "0.0.0.0:50051"  # health service
//	  http_addr: "0.0.0.0:8080"   # status API and audit report
//
//	database:
//	  path: "/var/lib/coven/control.db"
//
//	sessions:
//	  session_timeout: "90s"  # connected -> idle
//	  suspend_timeout: "5m"   # idle -> suspended
//
//	audit:
//	  interval: "1m"
//	  persist: true     # save snapshots after each passing audit
//	  keep_runs: 1000
//
//	dedupe:
//	  ttl: "5m"
//	  max_entries: 100000
//
//	bindings:             # first match wins
//	  - agent_id: "support"
//	    match:
//	      channel: "slack"
//	      account_id: "T0*"
//	  - agent_id: "fallback"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// Durations use time.ParseDuration syntax. Omitted optional settings get
// the defaults shown above.
//
// # Validation
//
// Validate reports every problem at once: missing listen addresses (unless
// tailscale is enabled), a missing database path, negative durations or
// limits, bindings without an agent_id, and unknown logging settings.
package config

// ABOUTME: Configuration loading and parsing for coven-control
// ABOUTME: Supports YAML or TOML files with environment variable expansion, duration parsing and defaults

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/coven-control/internal/binding"
)

const (
	// EnvConfigPath names the config file when no path is given on the command line.
	EnvConfigPath = "COVEN_CONTROL_CONFIG"

	// EnvDatabasePath overrides database.path.
	EnvDatabasePath = "COVEN_CONTROL_DB_PATH"

	// DefaultPath is used when neither a flag nor EnvConfigPath is set.
	DefaultPath = "coven-control.yaml"
)

// Defaults for optional settings.
const (
	DefaultSessionTimeout   = 90 * time.Second
	DefaultSuspendTimeout   = 5 * time.Minute
	DefaultAuditInterval    = time.Minute
	DefaultAuditKeepRuns    = 1000
	DefaultDedupeTTL        = 5 * time.Minute
	DefaultDedupeMaxEntries = 100_000
)

// Config represents the complete coven-control configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Sessions  SessionsConfig  `yaml:"sessions" toml:"sessions"`
	Audit     AuditConfig     `yaml:"audit" toml:"audit"`
	Dedupe    DedupeConfig    `yaml:"dedupe" toml:"dedupe"`
	Bindings  []binding.Rule  `yaml:"bindings" toml:"bindings"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// SessionsConfig holds node session timing
type SessionsConfig struct {
	SessionTimeout time.Duration `yaml:"-" toml:"-"`
	SuspendTimeout time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	SessionTimeoutRaw string `yaml:"session_timeout" toml:"session_timeout"`
	SuspendTimeoutRaw string `yaml:"suspend_timeout" toml:"suspend_timeout"`
}

// AuditConfig controls the periodic consistency audit
type AuditConfig struct {
	Interval time.Duration `yaml:"-" toml:"-"`

	// Persist saves the snapshot set after every audit that passes
	Persist bool `yaml:"persist" toml:"persist"`

	// KeepRuns bounds the audit history kept in the database
	KeepRuns int `yaml:"keep_runs" toml:"keep_runs"`

	IntervalRaw string `yaml:"interval" toml:"interval"`
}

// DedupeConfig holds the inbound message ID cache settings
type DedupeConfig struct {
	TTL        time.Duration `yaml:"-" toml:"-"`
	MaxEntries int           `yaml:"max_entries" toml:"max_entries"`

	TTLRaw string `yaml:"ttl" toml:"ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if p := os.Getenv(EnvDatabasePath); p != "" {
		cfg.Database.Path = p
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// ResolvePath picks the config file: the explicit argument, then
// EnvConfigPath, then DefaultPath.
func ResolvePath(arg string) string {
	if arg != "" {
		return arg
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return DefaultPath
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills unset optional fields.
func (c *Config) ApplyDefaults() {
	if c.Sessions.SessionTimeout == 0 {
		c.Sessions.SessionTimeout = DefaultSessionTimeout
	}
	if c.Sessions.SuspendTimeout == 0 {
		c.Sessions.SuspendTimeout = DefaultSuspendTimeout
	}
	if c.Audit.Interval == 0 {
		c.Audit.Interval = DefaultAuditInterval
	}
	if c.Audit.KeepRuns == 0 {
		c.Audit.KeepRuns = DefaultAuditKeepRuns
	}
	if c.Dedupe.TTL == 0 {
		c.Dedupe.TTL = DefaultDedupeTTL
	}
	if c.Dedupe.MaxEntries == 0 {
		c.Dedupe.MaxEntries = DefaultDedupeMaxEntries
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Every failure is reported, joined into one error.
func (c *Config) Validate() error {
	var errs []error

	// Server addresses are required unless Tailscale is enabled
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			errs = append(errs, errors.New("server.grpc_addr is required (or enable tailscale)"))
		}
		if c.Server.HTTPAddr == "" {
			errs = append(errs, errors.New("server.http_addr is required (or enable tailscale)"))
		}
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		errs = append(errs, errors.New("tailscale.hostname is required when tailscale is enabled"))
	}

	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}

	for name, d := range map[string]time.Duration{
		"sessions.session_timeout": c.Sessions.SessionTimeout,
		"sessions.suspend_timeout": c.Sessions.SuspendTimeout,
		"audit.interval":           c.Audit.Interval,
		"dedupe.ttl":               c.Dedupe.TTL,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.Audit.KeepRuns < 0 {
		errs = append(errs, fmt.Errorf("audit.keep_runs must not be negative, got %d", c.Audit.KeepRuns))
	}
	if c.Dedupe.MaxEntries < 0 {
		errs = append(errs, fmt.Errorf("dedupe.max_entries must not be negative, got %d", c.Dedupe.MaxEntries))
	}

	for i, r := range c.Bindings {
		if r.AgentID == "" {
			errs = append(errs, fmt.Errorf("bindings[%d].agent_id is required", i))
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is not text or json", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"session_timeout", cfg.Sessions.SessionTimeoutRaw, &cfg.Sessions.SessionTimeout},
		{"suspend_timeout", cfg.Sessions.SuspendTimeoutRaw, &cfg.Sessions.SuspendTimeout},
		{"audit.interval", cfg.Audit.IntervalRaw, &cfg.Audit.Interval},
		{"dedupe.ttl", cfg.Dedupe.TTLRaw, &cfg.Dedupe.TTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

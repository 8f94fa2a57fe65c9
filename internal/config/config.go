// ABOUTME: Configuration loading and parsing for deskbridge
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
)

// EnvConfigPath names the environment variable holding the config path
const EnvConfigPath = "DESKBRIDGE_CONFIG"

// MinJWTSecretLength matches the admin token verifier's requirement
const MinJWTSecretLength = 32

// Config represents the complete deskbridge configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Cache     CacheConfig     `yaml:"cache" toml:"cache"`
	Dedupe    DedupeConfig    `yaml:"dedupe" toml:"dedupe"`
	Dispatch  DispatchConfig  `yaml:"dispatch" toml:"dispatch"`
	Router    RouterConfig    `yaml:"router" toml:"router"`
	Matrix    MatrixConfig    `yaml:"matrix" toml:"matrix"`
	Freshchat FreshchatConfig `yaml:"freshchat" toml:"freshchat"`
	Zendesk   ZendeskConfig   `yaml:"zendesk" toml:"zendesk"`
	Redis     RedisConfig     `yaml:"redis" toml:"redis"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds the HTTP listener and outbound client settings
type ServerConfig struct {
	HTTPAddr     string `yaml:"http_addr" toml:"http_addr"`
	MaxBodyBytes int64  `yaml:"max_body_bytes" toml:"max_body_bytes"`

	ClientTimeout    time.Duration `yaml:"-" toml:"-"`
	ShutdownTimeout  time.Duration `yaml:"-" toml:"-"`
	ClientTimeoutRaw string        `yaml:"client_timeout" toml:"client_timeout"`
	ShutdownRaw      string        `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public webhooks over Funnel (HTTPS on 443)
}

// DatabaseConfig selects the mapping backend
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // sqlite or postgres
	Path   string `yaml:"path" toml:"path"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// CacheConfig bounds the in-process mapping cache
type CacheConfig struct {
	TTL        time.Duration `yaml:"-" toml:"-"`
	TTLRaw     string        `yaml:"ttl" toml:"ttl"`
	MaxEntries int           `yaml:"max_entries" toml:"max_entries"`
}

// DedupeConfig bounds the redelivery window per event source
type DedupeConfig struct {
	TTL        time.Duration `yaml:"-" toml:"-"`
	TTLRaw     string        `yaml:"ttl" toml:"ttl"`
	MaxEntries int           `yaml:"max_entries" toml:"max_entries"`
}

// DispatchConfig sizes the routing worker pool
type DispatchConfig struct {
	Workers   int `yaml:"workers" toml:"workers"`
	QueueSize int `yaml:"queue_size" toml:"queue_size"`
}

// RouterConfig holds routing policy
type RouterConfig struct {
	DefaultPlatform string            `yaml:"default_platform" toml:"default_platform"`
	Locale          string            `yaml:"locale" toml:"locale"`
	RecoverByUser   bool              `yaml:"recover_by_user" toml:"recover_by_user"`
	Tenants         map[string]string `yaml:"tenants" toml:"tenants"` // tenant id -> platform
	Messages        MessagesConfig    `yaml:"messages" toml:"messages"`

	TaskTimeout    time.Duration `yaml:"-" toml:"-"`
	TaskTimeoutRaw string        `yaml:"task_timeout" toml:"task_timeout"`
}

// MessagesConfig overrides individual localized notices
type MessagesConfig struct {
	Greeting        string `yaml:"greeting" toml:"greeting"`
	Failure         string `yaml:"failure" toml:"failure"`
	NewConversation string `yaml:"new_conversation" toml:"new_conversation"`
	ProcessingError string `yaml:"processing_error" toml:"processing_error"`
	Closure         string `yaml:"closure" toml:"closure"`
	Welcome         string `yaml:"welcome" toml:"welcome"`
}

// MatrixConfig holds the chat client configuration
type MatrixConfig struct {
	Homeserver   string            `yaml:"homeserver" toml:"homeserver"`
	UserID       string            `yaml:"user_id" toml:"user_id"`
	AccessToken  string            `yaml:"access_token" toml:"access_token"`
	DeviceID     string            `yaml:"device_id" toml:"device_id"`
	Encryption   bool              `yaml:"encryption" toml:"encryption"`
	RecoveryKey  string            `yaml:"recovery_key" toml:"recovery_key"`
	DataDir      string            `yaml:"data_dir" toml:"data_dir"`
	AllowedRooms []string          `yaml:"allowed_rooms" toml:"allowed_rooms"`
	RoomTenants  map[string]string `yaml:"room_tenants" toml:"room_tenants"`
}

// FreshchatConfig holds Freshchat API and webhook settings
type FreshchatConfig struct {
	Enabled          bool   `yaml:"enabled" toml:"enabled"`
	APIURL           string `yaml:"api_url" toml:"api_url"`
	APIKey           string `yaml:"api_key" toml:"api_key"`
	ChannelID        string `yaml:"channel_id" toml:"channel_id"`
	WebhookPublicKey string `yaml:"webhook_public_key" toml:"webhook_public_key"`
}

// ZendeskConfig holds Zendesk API and webhook settings
type ZendeskConfig struct {
	Enabled       bool   `yaml:"enabled" toml:"enabled"`
	Subdomain     string `yaml:"subdomain" toml:"subdomain"`
	BaseURL       string `yaml:"base_url" toml:"base_url"`
	Email         string `yaml:"email" toml:"email"`
	APIToken      string `yaml:"api_token" toml:"api_token"`
	WebhookSecret string `yaml:"webhook_secret" toml:"webhook_secret"`
}

// RedisConfig enables the shared agent-name cache. Empty URL keeps names in memory.
type RedisConfig struct {
	URL             string        `yaml:"url" toml:"url"`
	AgentNameTTL    time.Duration `yaml:"-" toml:"-"`
	AgentNameTTLRaw string        `yaml:"agent_name_ttl" toml:"agent_name_ttl"`
}

// AuthConfig holds admin API authentication. Empty secret disables the admin API.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
}

// Parse decodes raw configuration, applies defaults and validates it.
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if err := toml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// ResolvePath returns the config path to load.
// Priority: flag value > DESKBRIDGE_CONFIG > XDG_CONFIG_HOME/deskbridge/config.yaml > ~/.config/deskbridge/config.yaml
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if envPath := os.Getenv(EnvConfigPath); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "deskbridge", "config.yaml")
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// applyDefaults fills unset values
func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = "0.0.0.0:8080"
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = 1 << 20
	}
	if c.Server.ClientTimeout == 0 {
		c.Server.ClientTimeout = 30 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = 30 * time.Minute
	}
	if c.Cache.MaxEntries <= 0 {
		c.Cache.MaxEntries = 1000
	}
	if c.Dedupe.TTL == 0 {
		c.Dedupe.TTL = 10 * time.Minute
	}
	if c.Dedupe.MaxEntries <= 0 {
		c.Dedupe.MaxEntries = 2000
	}
	if c.Dispatch.Workers <= 0 {
		c.Dispatch.Workers = 16
	}
	if c.Dispatch.QueueSize <= 0 {
		c.Dispatch.QueueSize = 256
	}

	if c.Router.Locale == "" {
		c.Router.Locale = "en"
	}
	if c.Router.TaskTimeout == 0 {
		c.Router.TaskTimeout = 60 * time.Second
	}
	if c.Router.DefaultPlatform == "" {
		if enabled := c.EnabledPlatforms(); len(enabled) == 1 {
			c.Router.DefaultPlatform = enabled[0]
		}
	}

	if c.Matrix.DataDir == "" {
		c.Matrix.DataDir = defaultDataDir()
	}
	if c.Redis.AgentNameTTL == 0 {
		c.Redis.AgentNameTTL = time.Hour
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// defaultDataDir returns XDG_DATA_HOME/deskbridge or ~/.local/share/deskbridge
func defaultDataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "deskbridge")
}

// EnabledPlatforms lists the helpdesks turned on, in a stable order.
func (c *Config) EnabledPlatforms() []string {
	var out []string
	if c.Freshchat.Enabled {
		out = append(out, "freshchat")
	}
	if c.Zendesk.Enabled {
		out = append(out, "zendesk")
	}
	return out
}

func (c *Config) platformEnabled(name string) bool {
	for _, p := range c.EnabledPlatforms() {
		if p == name {
			return true
		}
	}
	return false
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return errors.New("database.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return errors.New("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported (sqlite, postgres)", c.Database.Driver)
	}

	if c.Matrix.Homeserver == "" || c.Matrix.UserID == "" || c.Matrix.AccessToken == "" {
		return errors.New("matrix.homeserver, matrix.user_id and matrix.access_token are required")
	}
	if c.Matrix.Encryption && c.Matrix.DeviceID == "" {
		return errors.New("matrix.device_id is required when encryption is enabled")
	}

	if len(c.EnabledPlatforms()) == 0 {
		return errors.New("at least one of freshchat or zendesk must be enabled")
	}
	if c.Freshchat.Enabled && (c.Freshchat.APIURL == "" || c.Freshchat.APIKey == "" || c.Freshchat.ChannelID == "") {
		return errors.New("freshchat.api_url, freshchat.api_key and freshchat.channel_id are required")
	}
	if c.Zendesk.Enabled {
		if c.Zendesk.Subdomain == "" && c.Zendesk.BaseURL == "" {
			return errors.New("zendesk.subdomain or zendesk.base_url is required")
		}
		if c.Zendesk.Email == "" || c.Zendesk.APIToken == "" {
			return errors.New("zendesk.email and zendesk.api_token are required")
		}
	}

	if c.Router.DefaultPlatform == "" {
		return errors.New("router.default_platform is required when several platforms are enabled")
	}
	if !c.platformEnabled(c.Router.DefaultPlatform) {
		return fmt.Errorf("router.default_platform %q is not enabled", c.Router.DefaultPlatform)
	}
	for tenant, p := range c.Router.Tenants {
		if !c.platformEnabled(p) {
			return fmt.Errorf("router.tenants[%s] uses platform %q which is not enabled", tenant, p)
		}
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < MinJWTSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", MinJWTSecretLength)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.client_timeout", cfg.Server.ClientTimeoutRaw, &cfg.Server.ClientTimeout},
		{"server.shutdown_timeout", cfg.Server.ShutdownRaw, &cfg.Server.ShutdownTimeout},
		{"cache.ttl", cfg.Cache.TTLRaw, &cfg.Cache.TTL},
		{"dedupe.ttl", cfg.Dedupe.TTLRaw, &cfg.Dedupe.TTL},
		{"router.task_timeout", cfg.Router.TaskTimeoutRaw, &cfg.Router.TaskTimeout},
		{"redis.agent_name_ttl", cfg.Redis.AgentNameTTLRaw, &cfg.Redis.AgentNameTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}

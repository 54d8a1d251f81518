// Package config provides configuration management for agentdeck.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for agentdeck.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Dirs     DirsConfig     `mapstructure:"dirs"`
	Relay    RelayConfig    `mapstructure:"relay"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Pool     PoolConfig     `mapstructure:"pool"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DirsConfig holds the filesystem layout.
type DirsConfig struct {
	// SessionRoot is the directory tree where agent CLIs write their
	// per-project transcript files.
	SessionRoot string `mapstructure:"sessionRoot"`

	// DataDir holds agentdeck's own state: metadata and index databases,
	// uploaded files.
	DataDir string `mapstructure:"dataDir"`

	// SettingsPath is the agent CLI's settings file, watched for changes.
	SettingsPath string `mapstructure:"settingsPath"`

	// CredentialsPath is the agent CLI's credentials file, watched for changes.
	CredentialsPath string `mapstructure:"credentialsPath"`
}

// RelayConfig holds wire relay configuration.
type RelayConfig struct {
	// AllowedOrigins lists extra Origin values accepted on upgrade, in
	// addition to localhost and private-range addresses.
	AllowedOrigins []string `mapstructure:"allowedOrigins"`

	// HandshakeTimeoutSec bounds the SRP handshake; connections that have
	// not authenticated within this window are closed.
	HandshakeTimeoutSec int `mapstructure:"handshakeTimeoutSec"`

	// MaxUploadSizeBytes caps a single file upload.
	MaxUploadSizeBytes int64 `mapstructure:"maxUploadSizeBytes"`

	// CompressionThresholdBytes is the minimum outbound payload size before
	// the relay compresses, when the client advertises support.
	CompressionThresholdBytes int `mapstructure:"compressionThresholdBytes"`

	// AuthSessionTTLMin is how long a resumable auth session stays valid.
	AuthSessionTTLMin int `mapstructure:"authSessionTtlMin"`
}

// AuthConfig holds SRP authentication configuration.
// Either a precomputed salt/verifier pair or a plain password may be given;
// a password is turned into a salt/verifier pair at startup.
type AuthConfig struct {
	Identity    string `mapstructure:"identity"`
	SaltHex     string `mapstructure:"saltHex"`
	VerifierHex string `mapstructure:"verifierHex"`
	Password    string `mapstructure:"password"`
}

// AgentConfig holds defaults for spawned agent processes.
type AgentConfig struct {
	// Provider selects the agent from the provider registry (default: claude).
	Provider string `mapstructure:"provider"`

	// Binary overrides the provider's executable path.
	Binary string `mapstructure:"binary"`

	// Model is passed through to the agent when set.
	Model string `mapstructure:"model"`

	// PermissionMode is the initial permission mode for new sessions.
	PermissionMode string `mapstructure:"permissionMode"`

	// ProvidersFile points at a JSON file whose entries override the
	// embedded provider definitions.
	ProvidersFile string `mapstructure:"providersFile"`
}

// PoolConfig holds process pool and event timing configuration.
type PoolConfig struct {
	IdleGraceSec     int `mapstructure:"idleGraceSec"`     // idle process eviction grace
	ExternalQuietSec int `mapstructure:"externalQuietSec"` // externally-active session quiet window
	MaxHistory       int `mapstructure:"maxHistory"`       // per-process message history cap
	HeartbeatSec     int `mapstructure:"heartbeatSec"`     // subscription heartbeat interval
	CoalesceMs       int `mapstructure:"coalesceMs"`       // watcher event coalescing window
}

// DatabaseConfig holds metadata/index store configuration.
type DatabaseConfig struct {
	// Driver is sqlite3 (default) or pgx.
	Driver string `mapstructure:"driver"`

	// Path is the SQLite database file; empty means <dataDir>/agentdeck.db.
	Path string `mapstructure:"path"`

	// DSN is the PostgreSQL connection string, required when driver=pgx.
	DSN string `mapstructure:"dsn"`

	MaxConns int `mapstructure:"maxConns"`
	MinConns int `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Addr returns host:port for net.Listen.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// HandshakeTimeout returns the SRP handshake deadline as a time.Duration.
func (r *RelayConfig) HandshakeTimeout() time.Duration {
	return time.Duration(r.HandshakeTimeoutSec) * time.Second
}

// AuthSessionTTL returns the resumable auth session lifetime.
func (r *RelayConfig) AuthSessionTTL() time.Duration {
	return time.Duration(r.AuthSessionTTLMin) * time.Minute
}

// IdleGrace returns the idle eviction grace as a time.Duration.
func (p *PoolConfig) IdleGrace() time.Duration {
	return time.Duration(p.IdleGraceSec) * time.Second
}

// ExternalQuiet returns the external-session quiet window as a time.Duration.
func (p *PoolConfig) ExternalQuiet() time.Duration {
	return time.Duration(p.ExternalQuietSec) * time.Second
}

// Heartbeat returns the subscription heartbeat interval.
func (p *PoolConfig) Heartbeat() time.Duration {
	return time.Duration(p.HeartbeatSec) * time.Second
}

// Coalesce returns the watcher coalescing window.
func (p *PoolConfig) Coalesce() time.Duration {
	return time.Duration(p.CoalesceMs) * time.Millisecond
}

// SQLitePath returns the SQLite file path, defaulting under dataDir.
func (d *DatabaseConfig) SQLitePath(dataDir string) string {
	if d.Path != "" {
		return d.Path
	}
	return filepath.Join(dataDir, "agentdeck.db")
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("AGENTDECK_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Directory defaults
	v.SetDefault("dirs.sessionRoot", "~/.claude/projects")
	v.SetDefault("dirs.dataDir", "~/.agentdeck")
	v.SetDefault("dirs.settingsPath", "~/.claude/settings.json")
	v.SetDefault("dirs.credentialsPath", "~/.claude/.credentials.json")

	// Relay defaults
	v.SetDefault("relay.allowedOrigins", []string{})
	v.SetDefault("relay.handshakeTimeoutSec", 30)
	v.SetDefault("relay.maxUploadSizeBytes", int64(100*1024*1024))
	v.SetDefault("relay.compressionThresholdBytes", 4096)
	v.SetDefault("relay.authSessionTtlMin", 24*60)

	// Auth defaults - empty means a one-shot password is generated at startup
	v.SetDefault("auth.identity", "agentdeck")
	v.SetDefault("auth.saltHex", "")
	v.SetDefault("auth.verifierHex", "")
	v.SetDefault("auth.password", "")

	// Agent defaults
	v.SetDefault("agent.provider", "claude")
	v.SetDefault("agent.binary", "")
	v.SetDefault("agent.model", "")
	v.SetDefault("agent.permissionMode", "default")

	// Pool defaults
	v.SetDefault("pool.idleGraceSec", 30)
	v.SetDefault("pool.externalQuietSec", 5)
	v.SetDefault("pool.maxHistory", 10000)
	v.SetDefault("pool.heartbeatSec", 30)
	v.SetDefault("pool.coalesceMs", 50)

	// Database defaults - SQLite file under dataDir
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentdeck-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTDECK_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory,
// ~/.agentdeck/, or /etc/agentdeck/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("AGENTDECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("dirs.sessionRoot", "AGENTDECK_DIRS_SESSION_ROOT")
	_ = v.BindEnv("dirs.dataDir", "AGENTDECK_DIRS_DATA_DIR")
	_ = v.BindEnv("dirs.settingsPath", "AGENTDECK_DIRS_SETTINGS_PATH")
	_ = v.BindEnv("dirs.credentialsPath", "AGENTDECK_DIRS_CREDENTIALS_PATH")
	_ = v.BindEnv("relay.allowedOrigins", "AGENTDECK_RELAY_ALLOWED_ORIGINS")
	_ = v.BindEnv("relay.maxUploadSizeBytes", "AGENTDECK_RELAY_MAX_UPLOAD_SIZE_BYTES")
	_ = v.BindEnv("agent.permissionMode", "AGENTDECK_AGENT_PERMISSION_MODE")
	_ = v.BindEnv("database.driver", "AGENTDECK_DB_DRIVER", "AGENTDECK_DATABASE_DRIVER")
	_ = v.BindEnv("database.path", "AGENTDECK_DB_PATH", "AGENTDECK_DATABASE_PATH")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.agentdeck")
	v.AddConfigPath("/etc/agentdeck/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.Dirs.SessionRoot = expandHome(cfg.Dirs.SessionRoot)
	cfg.Dirs.DataDir = expandHome(cfg.Dirs.DataDir)
	cfg.Dirs.SettingsPath = expandHome(cfg.Dirs.SettingsPath)
	cfg.Dirs.CredentialsPath = expandHome(cfg.Dirs.CredentialsPath)
	cfg.Database.Path = expandHome(cfg.Database.Path)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
	}
	return path
}

// validPermissionModes are the canonical mode names; providers translate
// them into their own CLI vocabulary at spawn time.
var validPermissionModes = map[string]bool{
	"default":            true,
	"plan":               true,
	"accept-edits":       true,
	"bypass-permissions": true,
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Directory validation
	if cfg.Dirs.SessionRoot == "" {
		errs = append(errs, "dirs.sessionRoot is required")
	}
	if cfg.Dirs.DataDir == "" {
		errs = append(errs, "dirs.dataDir is required")
	}

	// Relay validation
	if cfg.Relay.HandshakeTimeoutSec <= 0 {
		errs = append(errs, "relay.handshakeTimeoutSec must be positive")
	}
	if cfg.Relay.MaxUploadSizeBytes < 0 {
		errs = append(errs, "relay.maxUploadSizeBytes must be zero (unlimited) or positive")
	}
	if cfg.Relay.AuthSessionTTLMin <= 0 {
		errs = append(errs, "relay.authSessionTtlMin must be positive")
	}

	// Auth validation - salt and verifier must come together
	if (cfg.Auth.SaltHex == "") != (cfg.Auth.VerifierHex == "") {
		errs = append(errs, "auth.saltHex and auth.verifierHex must be set together")
	}

	// Agent validation
	if cfg.Agent.Provider == "" {
		errs = append(errs, "agent.provider is required")
	}
	if !validPermissionModes[cfg.Agent.PermissionMode] {
		errs = append(errs, "agent.permissionMode must be one of: default, plan, accept-edits, bypass-permissions")
	}

	// Pool validation
	if cfg.Pool.IdleGraceSec <= 0 {
		errs = append(errs, "pool.idleGraceSec must be positive")
	}
	if cfg.Pool.ExternalQuietSec <= 0 {
		errs = append(errs, "pool.externalQuietSec must be positive")
	}
	if cfg.Pool.MaxHistory <= 0 {
		errs = append(errs, "pool.maxHistory must be positive")
	}
	if cfg.Pool.HeartbeatSec <= 0 {
		errs = append(errs, "pool.heartbeatSec must be positive")
	}
	if cfg.Pool.CoalesceMs <= 0 {
		errs = append(errs, "pool.coalesceMs must be positive")
	}

	// Database validation
	switch cfg.Database.Driver {
	case "sqlite3":
		// Path defaults under dataDir
	case "pgx":
		if cfg.Database.DSN == "" {
			errs = append(errs, "database.dsn is required when database.driver is pgx")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite3, pgx")
	}

	// NATS validation - optional (uses in-memory event bus if not set)
	// No validation needed - empty URL means use in-memory

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

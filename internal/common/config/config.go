// Package config provides configuration management for the gateway.
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

// Config holds all configuration sections for the gateway.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	State     StateConfig     `mapstructure:"state"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Limits    LimitsConfig    `mapstructure:"limits"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP/WebSocket server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	TLS          bool   `mapstructure:"tls"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// StateConfig holds the persisted state layout.
type StateConfig struct {
	// Root is the directory holding auth token, preferences, certs,
	// the artifact database and per-session transcript directories.
	Root string `mapstructure:"root"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// RuntimeConfig selects the agent runtime collaborator.
type RuntimeConfig struct {
	// Mode is "mock" for the in-process scripted runtime. Production
	// deployments link a real runtime and leave this empty.
	Mode string `mapstructure:"mode"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// LimitsConfig holds timeouts and bounds.
type LimitsConfig struct {
	ApprovalTimeout      int `mapstructure:"approvalTimeout"`      // seconds, default for approval requests
	IdleTimeout          int `mapstructure:"idleTimeout"`          // seconds of WebSocket read silence before close
	SessionCreateTimeout int `mapstructure:"sessionCreateTimeout"` // seconds
	CancelDrainTimeout   int `mapstructure:"cancelDrainTimeout"`   // seconds to await drain after cancel
	OutboundQueueSize    int `mapstructure:"outboundQueueSize"`    // per-connection frame queue
	OutboundHardCap      int `mapstructure:"outboundHardCap"`      // close connection beyond this
	ArtifactDiffMaxBytes int `mapstructure:"artifactDiffMaxBytes"` // skip diffing beyond this
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"` // OTLP/HTTP endpoint, host:port
}

// ApprovalTimeoutDuration returns the approval timeout as a time.Duration.
func (l *LimitsConfig) ApprovalTimeoutDuration() time.Duration {
	return time.Duration(l.ApprovalTimeout) * time.Second
}

// IdleTimeoutDuration returns the WebSocket idle timeout as a time.Duration.
func (l *LimitsConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(l.IdleTimeout) * time.Second
}

// SessionCreateTimeoutDuration returns the session creation deadline as a time.Duration.
func (l *LimitsConfig) SessionCreateTimeoutDuration() time.Duration {
	return time.Duration(l.SessionCreateTimeout) * time.Second
}

// CancelDrainTimeoutDuration returns the post-cancel drain deadline as a time.Duration.
func (l *LimitsConfig) CancelDrainTimeoutDuration() time.Duration {
	return time.Duration(l.CancelDrainTimeout) * time.Second
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// detectDefaultLogFormat returns "json" in production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if env := os.Getenv("AGENTGATE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultStateRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentgate"
	}
	return filepath.Join(home, ".agentgate")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults: loopback only, single-user model
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.tls", false)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("state.root", defaultStateRoot())

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentgate")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("runtime.mode", "mock")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")

	// Limits defaults
	v.SetDefault("limits.approvalTimeout", 300)
	v.SetDefault("limits.idleTimeout", 90)
	v.SetDefault("limits.sessionCreateTimeout", 30)
	v.SetDefault("limits.cancelDrainTimeout", 10)
	v.SetDefault("limits.outboundQueueSize", 256)
	v.SetDefault("limits.outboundHardCap", 1024)
	v.SetDefault("limits.artifactDiffMaxBytes", 1<<20)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "localhost:4318")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTGATE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/agentgate/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where env var naming differs from config key naming
	// (AutomaticEnv does not convert camelCase keys to SNAKE_CASE).
	_ = v.BindEnv("state.root", "AGENTGATE_STATE_ROOT")
	_ = v.BindEnv("limits.approvalTimeout", "AGENTGATE_LIMITS_APPROVAL_TIMEOUT")
	_ = v.BindEnv("limits.idleTimeout", "AGENTGATE_LIMITS_IDLE_TIMEOUT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentgate/")

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

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.State.Root == "" {
		errs = append(errs, "state.root must be set")
	}
	if cfg.Limits.OutboundQueueSize <= 0 {
		errs = append(errs, "limits.outboundQueueSize must be positive")
	}
	if cfg.Limits.OutboundHardCap < cfg.Limits.OutboundQueueSize {
		errs = append(errs, "limits.outboundHardCap must be >= limits.outboundQueueSize")
	}
	if cfg.Limits.ApprovalTimeout <= 0 {
		errs = append(errs, "limits.approvalTimeout must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// ABOUTME: Configuration loading and parsing for the deskhop chat broker
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config represents the complete deskhop configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Chat     ChatConfig     `yaml:"chat"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds HTTP server address configuration
type ServerConfig struct {
	Host string `yaml:"host" env:"DESKHOP_HOST"`
	Port int    `yaml:"port" env:"DESKHOP_PORT"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" env:"DESKHOP_DB_PATH"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret    string        `yaml:"jwt_secret" env:"DESKHOP_JWT_SECRET"`
	JWTExpiresIn time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	JWTExpiresInRaw string `yaml:"jwt_expires_in"`
}

// ChatConfig holds session routing and dispatch configuration
type ChatConfig struct {
	MaxChatsPerAgent int   `yaml:"max_chats_per_agent" env:"DESKHOP_MAX_CHATS_PER_AGENT"`
	AutoAssign       *bool `yaml:"auto_assign" env:"DESKHOP_AUTO_ASSIGN"`

	IdleTimeout    time.Duration `yaml:"-"`
	ReaperInterval time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	IdleTimeoutRaw    string `yaml:"idle_timeout"`
	ReaperIntervalRaw string `yaml:"reaper_interval"`
}

// AutoAssignEnabled reports whether the dispatcher should auto-assign
// waiting sessions. Defaults to true when unset.
func (c ChatConfig) AutoAssignEnabled() bool {
	return c.AutoAssign == nil || *c.AutoAssign
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" env:"DESKHOP_LOG_LEVEL"`
	Format string `yaml:"format" env:"DESKHOP_LOG_FORMAT"`
}

// Defaults applied when the config file leaves fields unset.
const (
	DefaultPort             = 8080
	DefaultMaxChatsPerAgent = 5
	DefaultIdleTimeout      = 30 * time.Minute
	DefaultReaperInterval   = 30 * time.Second
	DefaultJWTExpiresIn     = 24 * time.Hour
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded inside the file,
// and DESKHOP_* environment variables override individual fields afterwards.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Environment overrides win over file values
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("applying env overrides: %w", err)
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

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills unset fields with their documented defaults.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Chat.MaxChatsPerAgent == 0 {
		c.Chat.MaxChatsPerAgent = DefaultMaxChatsPerAgent
	}
	if c.Chat.IdleTimeout == 0 {
		c.Chat.IdleTimeout = DefaultIdleTimeout
	}
	if c.Chat.ReaperInterval == 0 {
		c.Chat.ReaperInterval = DefaultReaperInterval
	}
	if c.Auth.JWTExpiresIn == 0 {
		c.Auth.JWTExpiresIn = DefaultJWTExpiresIn
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	if c.Chat.MaxChatsPerAgent < 1 {
		return fmt.Errorf("chat.max_chats_per_agent must be positive, got %d", c.Chat.MaxChatsPerAgent)
	}
	if c.Chat.IdleTimeout <= 0 {
		return fmt.Errorf("chat.idle_timeout must be positive")
	}
	if c.Chat.ReaperInterval <= 0 {
		return fmt.Errorf("chat.reaper_interval must be positive")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Chat.IdleTimeoutRaw != "" {
		cfg.Chat.IdleTimeout, err = time.ParseDuration(cfg.Chat.IdleTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing idle_timeout %q: %w", cfg.Chat.IdleTimeoutRaw, err)
		}
	}

	if cfg.Chat.ReaperIntervalRaw != "" {
		cfg.Chat.ReaperInterval, err = time.ParseDuration(cfg.Chat.ReaperIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing reaper_interval %q: %w", cfg.Chat.ReaperIntervalRaw, err)
		}
	}

	if cfg.Auth.JWTExpiresInRaw != "" {
		cfg.Auth.JWTExpiresIn, err = time.ParseDuration(cfg.Auth.JWTExpiresInRaw)
		if err != nil {
			return fmt.Errorf("parsing jwt_expires_in %q: %w", cfg.Auth.JWTExpiresInRaw, err)
		}
	}

	return nil
}

// ABOUTME: Configuration loading and parsing for chat-hub
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete chat-hub configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Chat     ChatConfig     `yaml:"chat"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds the listen address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration. Sites is the directory of
// site ids allowed to open visitor connections.
type AuthConfig struct {
	JWTSecret string   `yaml:"jwt_secret"`
	Sites     []string `yaml:"sites"`
}

// ChatConfig holds chat timing and buffering configuration
type ChatConfig struct {
	TypingTTL        time.Duration `yaml:"-"`
	HandshakeTimeout time.Duration `yaml:"-"`
	SendBuffer       int           `yaml:"send_buffer"`

	// Raw string values for YAML unmarshaling
	TypingTTLRaw        string `yaml:"typing_ttl"`
	HandshakeTimeoutRaw string `yaml:"handshake_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied when a field is absent from the file.
const (
	DefaultTypingTTL        = 3 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultSendBuffer       = 64
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
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

// applyDefaults fills in zero-valued timing and buffering fields.
func (c *Config) applyDefaults() {
	if c.Chat.TypingTTL == 0 {
		c.Chat.TypingTTL = DefaultTypingTTL
	}
	if c.Chat.HandshakeTimeout == 0 {
		c.Chat.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Chat.SendBuffer == 0 {
		c.Chat.SendBuffer = DefaultSendBuffer
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Auth.Sites) == 0 {
		return fmt.Errorf("auth.sites must list at least one site id")
	}
	if c.Chat.SendBuffer < 0 {
		return fmt.Errorf("chat.send_buffer must not be negative")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Chat.TypingTTLRaw != "" {
		cfg.Chat.TypingTTL, err = time.ParseDuration(cfg.Chat.TypingTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing typing_ttl %q: %w", cfg.Chat.TypingTTLRaw, err)
		}
	}

	if cfg.Chat.HandshakeTimeoutRaw != "" {
		cfg.Chat.HandshakeTimeout, err = time.ParseDuration(cfg.Chat.HandshakeTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing handshake_timeout %q: %w", cfg.Chat.HandshakeTimeoutRaw, err)
		}
	}

	return nil
}

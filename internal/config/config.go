// ABOUTME: Configuration loading and parsing for chat-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for policy constants. The invariants they protect do not depend on
// the exact values, so all of them are tunable per deployment.
const (
	DefaultSessionTTL    = 30 * time.Minute
	DefaultMessageCap    = 50
	DefaultHistoryWindow = 10
	DefaultEngineTimeout = 30 * time.Second
	DefaultCommitRetries = 3

	DefaultRateLimitMax    = 10
	DefaultRateLimitWindow = time.Minute

	DefaultBusQueueSize = 256
	DefaultBusWorkers   = 4
	DefaultRequestTopic = "chat-requests"
	DefaultReplyTopic   = "chat-responses"
)

// Config represents the complete chat-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Session   SessionConfig   `yaml:"session"`
	Engine    EngineConfig    `yaml:"engine"`
	Bus       BusConfig       `yaml:"bus"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds session database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SessionConfig holds session lifecycle policy
type SessionConfig struct {
	TTL           time.Duration `yaml:"-"`
	MessageCap    int           `yaml:"message_cap"`
	HistoryWindow int           `yaml:"history_window"`
	CommitRetries int           `yaml:"commit_retries"`

	// Raw string value for YAML unmarshaling
	TTLRaw string `yaml:"ttl"`
}

// EngineConfig holds the external AI engine endpoint configuration
type EngineConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"-"`

	TimeoutRaw string `yaml:"timeout"`
}

// BusConfig holds event bus queue and topic configuration
type BusConfig struct {
	QueueSize    int    `yaml:"queue_size"`
	Workers      int    `yaml:"workers"`
	RequestTopic string `yaml:"request_topic"`
	ReplyTopic   string `yaml:"reply_topic"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"-"`

	TokenTTLRaw string `yaml:"token_ttl"`
}

// RateLimitConfig holds per-identity rate limiting configuration
type RateLimitConfig struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"-"`

	WindowRaw string `yaml:"window"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

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

// applyDefaults fills in zero-valued policy fields.
func (c *Config) applyDefaults() {
	if c.Session.TTL == 0 {
		c.Session.TTL = DefaultSessionTTL
	}
	if c.Session.MessageCap == 0 {
		c.Session.MessageCap = DefaultMessageCap
	}
	if c.Session.HistoryWindow == 0 {
		c.Session.HistoryWindow = DefaultHistoryWindow
	}
	if c.Session.CommitRetries == 0 {
		c.Session.CommitRetries = DefaultCommitRetries
	}
	if c.Engine.Timeout == 0 {
		c.Engine.Timeout = DefaultEngineTimeout
	}
	if c.Bus.QueueSize == 0 {
		c.Bus.QueueSize = DefaultBusQueueSize
	}
	if c.Bus.Workers == 0 {
		c.Bus.Workers = DefaultBusWorkers
	}
	if c.Bus.RequestTopic == "" {
		c.Bus.RequestTopic = DefaultRequestTopic
	}
	if c.Bus.ReplyTopic == "" {
		c.Bus.ReplyTopic = DefaultReplyTopic
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 30 * time.Minute
	}
	if c.RateLimit.MaxRequests == 0 {
		c.RateLimit.MaxRequests = DefaultRateLimitMax
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = DefaultRateLimitWindow
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
	if c.Engine.URL == "" {
		return fmt.Errorf("engine.url is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}
	if c.Session.MessageCap < 1 {
		return fmt.Errorf("session.message_cap must be positive")
	}
	if c.Session.HistoryWindow < 1 {
		return fmt.Errorf("session.history_window must be positive")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Session.TTLRaw != "" {
		cfg.Session.TTL, err = time.ParseDuration(cfg.Session.TTLRaw)
		if err != nil {
			return fmt.Errorf("parsing session.ttl %q: %w", cfg.Session.TTLRaw, err)
		}
	}

	if cfg.Engine.TimeoutRaw != "" {
		cfg.Engine.Timeout, err = time.ParseDuration(cfg.Engine.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing engine.timeout %q: %w", cfg.Engine.TimeoutRaw, err)
		}
	}

	if cfg.Auth.TokenTTLRaw != "" {
		cfg.Auth.TokenTTL, err = time.ParseDuration(cfg.Auth.TokenTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing auth.token_ttl %q: %w", cfg.Auth.TokenTTLRaw, err)
		}
	}

	if cfg.RateLimit.WindowRaw != "" {
		cfg.RateLimit.Window, err = time.ParseDuration(cfg.RateLimit.WindowRaw)
		if err != nil {
			return fmt.Errorf("parsing rate_limit.window %q: %w", cfg.RateLimit.WindowRaw, err)
		}
	}

	return nil
}

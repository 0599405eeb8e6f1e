// ABOUTME: Configuration loading and parsing for chat-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete chat-gateway configuration
type Config struct {
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Tailscale  TailscaleConfig  `yaml:"tailscale" toml:"tailscale"`
	Database   DatabaseConfig   `yaml:"database" toml:"database"`
	Completion CompletionConfig `yaml:"completion" toml:"completion"`
	Session    SessionConfig    `yaml:"session" toml:"session"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics" toml:"metrics"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // Serve HTTP on :443 with tailnet certs
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`

	// ShutdownTimeout bounds graceful shutdown, including draining
	// in-flight exchanges.
	ShutdownTimeout    time.Duration `yaml:"-" toml:"-"`
	ShutdownTimeoutRaw string        `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// Completion providers
const (
	ProviderOpenAI = "openai"
	ProviderMock   = "mock"
)

// CompletionConfig selects and configures the text-completion backend.
// Any OpenAI-compatible endpoint works (Groq, OpenAI, local servers) via BaseURL.
type CompletionConfig struct {
	Provider     string  `yaml:"provider" toml:"provider"`
	BaseURL      string  `yaml:"base_url" toml:"base_url"`
	APIKey       string  `yaml:"api_key" toml:"api_key"`
	Model        string  `yaml:"model" toml:"model"`
	Temperature  float32 `yaml:"temperature" toml:"temperature"`
	MaxTokens    int     `yaml:"max_tokens" toml:"max_tokens"`
	SystemPrompt string  `yaml:"system_prompt" toml:"system_prompt"`

	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// SessionConfig holds per-connection streaming session settings
type SessionConfig struct {
	ChunkDelay      time.Duration `yaml:"-" toml:"-"`
	ExchangeTimeout time.Duration `yaml:"-" toml:"-"`
	SendTimeout     time.Duration `yaml:"-" toml:"-"`

	// Raw string values for YAML unmarshaling
	ChunkDelayRaw      string `yaml:"chunk_delay" toml:"chunk_delay"`
	ExchangeTimeoutRaw string `yaml:"exchange_timeout" toml:"exchange_timeout"`
	SendTimeoutRaw     string `yaml:"send_timeout" toml:"send_timeout"`

	// RateLimit is inbound messages per second per connection; 0 disables limiting.
	RateLimit float64 `yaml:"rate_limit" toml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst" toml:"rate_burst"`

	// ReadLimit caps a single inbound websocket message in bytes.
	ReadLimit int64 `yaml:"read_limit" toml:"read_limit"`

	// AllowedOrigins are host patterns accepted for cross-origin websocket upgrades.
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
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

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

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

// applyDefaults fills optional fields left empty by the config file.
func applyDefaults(cfg *Config) {
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Completion.Provider == "" {
		cfg.Completion.Provider = ProviderOpenAI
	}
	if cfg.Completion.APIKey == "" {
		cfg.Completion.APIKey = firstEnv("OPENAI_API_KEY", "GROQ_API_KEY")
	}
	if cfg.Completion.Model == "" {
		cfg.Completion.Model = "llama3-8b-8192"
	}
	if cfg.Completion.Temperature == 0 {
		cfg.Completion.Temperature = 0.7
	}
	if cfg.Completion.MaxTokens == 0 {
		cfg.Completion.MaxTokens = 1024
	}
	if cfg.Completion.Timeout == 0 {
		cfg.Completion.Timeout = 2 * time.Minute
	}

	if cfg.Session.ExchangeTimeout == 0 {
		cfg.Session.ExchangeTimeout = 5 * time.Minute
	}
	if cfg.Session.SendTimeout == 0 {
		cfg.Session.SendTimeout = 10 * time.Second
	}
	if cfg.Session.RateLimit > 0 && cfg.Session.RateBurst == 0 {
		cfg.Session.RateBurst = 1
	}
	if cfg.Session.ReadLimit == 0 {
		cfg.Session.ReadLimit = 64 * 1024
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server addresses are required unless Tailscale is enabled
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			return fmt.Errorf("server.grpc_addr is required (or enable tailscale)")
		}
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.Completion.Provider {
	case ProviderOpenAI:
		if c.Completion.APIKey == "" {
			return fmt.Errorf("completion.api_key is required for the openai provider (or set OPENAI_API_KEY)")
		}
	case ProviderMock:
	default:
		return fmt.Errorf("completion.provider %q is not supported (use %q or %q)", c.Completion.Provider, ProviderOpenAI, ProviderMock)
	}

	if c.Session.RateLimit < 0 {
		return fmt.Errorf("session.rate_limit must not be negative")
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not supported (use text or json)", c.Logging.Format)
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
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"completion.timeout", cfg.Completion.TimeoutRaw, &cfg.Completion.Timeout},
		{"session.chunk_delay", cfg.Session.ChunkDelayRaw, &cfg.Session.ChunkDelay},
		{"session.exchange_timeout", cfg.Session.ExchangeTimeoutRaw, &cfg.Session.ExchangeTimeout},
		{"session.send_timeout", cfg.Session.SendTimeoutRaw, &cfg.Session.SendTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("parsing %s %q: must not be negative", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}

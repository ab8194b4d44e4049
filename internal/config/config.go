// ABOUTME: Configuration loading and parsing for relaygram
// ABOUTME: Supports YAML or TOML files with .env loading, env var expansion and duration parsing

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
	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete relaygram configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Local    LocalConfig    `yaml:"local" toml:"local"`
	Remote   RemoteConfig   `yaml:"remote" toml:"remote"`
	Relay    RelayConfig    `yaml:"relay" toml:"relay"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds the ingress listener configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// IngressToken, when set, must be sent by adapters as a bearer token
	IngressToken string `yaml:"ingress_token" toml:"ingress_token"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AdapterConfig is shared by both platform adapters
type AdapterConfig struct {
	AdapterURL string `yaml:"adapter_url" toml:"adapter_url"`
	Token      string `yaml:"token" toml:"token"`

	// MaxUpload maps a media kind to a size such as "16MB"
	MaxUploadRaw map[string]string `yaml:"max_upload" toml:"max_upload"`
	MaxUpload    map[string]int64  `yaml:"-" toml:"-"`
}

// LocalConfig is the forum group side
type LocalConfig struct {
	AdapterConfig `yaml:",inline"`
	GroupID       string `yaml:"group_id" toml:"group_id"`
}

// RemoteConfig is the end-user chat side
type RemoteConfig struct {
	AdapterConfig `yaml:",inline"`
}

// RelayConfig holds relay engine behavior
type RelayConfig struct {
	GreetingCommand  string   `yaml:"greeting_command" toml:"greeting_command"`
	OutboundRate     float64  `yaml:"outbound_rate" toml:"outbound_rate"`
	OutboundBurst    int      `yaml:"outbound_burst" toml:"outbound_burst"`
	AllowedReactions []string `yaml:"allowed_reactions" toml:"allowed_reactions"`

	RequestTimeout time.Duration `yaml:"-" toml:"-"`

	// HandleTimeout bounds one inbound update, rate-limit waits included.
	// Zero leaves updates unbounded.
	HandleTimeout time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	RequestTimeoutRaw string `yaml:"request_timeout" toml:"request_timeout"`
	HandleTimeoutRaw  string `yaml:"handle_timeout" toml:"handle_timeout"`
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

// Default values applied before validation
const (
	DefaultHTTPAddr        = "127.0.0.1:8080"
	DefaultGreetingCommand = "/start"
	DefaultRequestTimeout  = 30 * time.Second
	DefaultMetricsPath     = "/metrics"
)

// remoteUploadDefaults are the remote chat platform's documented ceilings.
var remoteUploadDefaults = map[string]string{
	"image":    "5MB",
	"video":    "16MB",
	"audio":    "16MB",
	"voice":    "16MB",
	"document": "100MB",
	"sticker":  "500KB",
}

// localUploadDefaults reflect the forum platform's bot upload limit.
var localUploadDefaults = map[string]string{
	"image":    "10MB",
	"video":    "50MB",
	"audio":    "50MB",
	"voice":    "50MB",
	"document": "50MB",
	"sticker":  "50MB",
}

var mediaKinds = map[string]bool{
	"image": true, "video": true, "audio": true, "voice": true, "document": true, "sticker": true,
}

// Load reads a configuration file from the given path and returns a parsed Config.
// A .env file in the working directory is loaded first, if present.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	_ = godotenv.Load(".env")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := parseSizes(&cfg); err != nil {
		return nil, fmt.Errorf("parsing sizes: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Relay.GreetingCommand == "" {
		c.Relay.GreetingCommand = DefaultGreetingCommand
	}
	if c.Relay.RequestTimeout == 0 {
		c.Relay.RequestTimeout = DefaultRequestTimeout
	}
	if c.Relay.OutboundRate > 0 && c.Relay.OutboundBurst == 0 {
		c.Relay.OutboundBurst = 1
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	fillUploadDefaults(&c.Local.AdapterConfig, localUploadDefaults)
	fillUploadDefaults(&c.Remote.AdapterConfig, remoteUploadDefaults)
}

func fillUploadDefaults(a *AdapterConfig, defaults map[string]string) {
	if a.MaxUpload == nil {
		a.MaxUpload = make(map[string]int64, len(defaults))
	}
	for kind, raw := range defaults {
		if _, ok := a.MaxUpload[kind]; ok {
			continue
		}
		n, _ := humanize.ParseBytes(raw)
		a.MaxUpload[kind] = int64(n)
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}

	if c.Local.AdapterURL == "" {
		return errors.New("local.adapter_url is required")
	}
	if c.Local.GroupID == "" {
		return errors.New("local.group_id is required")
	}
	if c.Remote.AdapterURL == "" {
		return errors.New("remote.adapter_url is required")
	}

	if !strings.HasPrefix(c.Relay.GreetingCommand, "/") {
		return fmt.Errorf("relay.greeting_command must start with '/', got %q", c.Relay.GreetingCommand)
	}
	if c.Relay.OutboundRate < 0 {
		return errors.New("relay.outbound_rate must not be negative")
	}
	if c.Relay.OutboundBurst < 0 {
		return errors.New("relay.outbound_burst must not be negative")
	}
	if c.Relay.HandleTimeout < 0 {
		return errors.New("relay.handle_timeout must not be negative")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with '/', got %q", c.Metrics.Path)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Relay.RequestTimeoutRaw != "" {
		cfg.Relay.RequestTimeout, err = time.ParseDuration(cfg.Relay.RequestTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing request_timeout %q: %w", cfg.Relay.RequestTimeoutRaw, err)
		}
	}

	if cfg.Relay.HandleTimeoutRaw != "" {
		cfg.Relay.HandleTimeout, err = time.ParseDuration(cfg.Relay.HandleTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing handle_timeout %q: %w", cfg.Relay.HandleTimeoutRaw, err)
		}
	}

	return nil
}

// parseSizes converts max_upload strings such as "16MB" into byte counts
func parseSizes(cfg *Config) error {
	for name, a := range map[string]*AdapterConfig{"local": &cfg.Local.AdapterConfig, "remote": &cfg.Remote.AdapterConfig} {
		if len(a.MaxUploadRaw) == 0 {
			continue
		}
		a.MaxUpload = make(map[string]int64, len(a.MaxUploadRaw))
		for kind, raw := range a.MaxUploadRaw {
			if !mediaKinds[kind] {
				return fmt.Errorf("%s.max_upload: unknown media kind %q", name, kind)
			}
			n, err := humanize.ParseBytes(raw)
			if err != nil {
				return fmt.Errorf("parsing %s.max_upload.%s %q: %w", name, kind, raw, err)
			}
			a.MaxUpload[kind] = int64(n)
		}
	}
	return nil
}

// ABOUTME: Configuration loading and parsing for the companion host
// ABOUTME: Supports YAML (or TOML) files with environment variable expansion and duration parsing

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

// MinAdminSecretLength is the minimum length of auth.admin_secret when set.
const MinAdminSecretLength = 32

// Defaults applied by Load when a field is left empty.
const (
	DefaultAddr                = "0.0.0.0:9443"
	DefaultAdminAddr           = "127.0.0.1:9444"
	DefaultSocketPath          = "/ws"
	DefaultMaxConnections      = 64
	DefaultHandshakeTimeout    = 5 * time.Second
	DefaultNetworkPollInterval = 30 * time.Second
	DefaultAttachmentSegment   = "pilot-attachments"
	DefaultTailscaleHostname   = "pilot-companion"
)

// DefaultAttachmentExtensions are the image extensions the attachment endpoint serves.
var DefaultAttachmentExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".bmp", ".svg"}

// Config represents the complete companion host configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Auth        AuthConfig        `yaml:"auth" toml:"auth"`
	Admin       AdminConfig       `yaml:"admin" toml:"admin"`
	Certs       CertsConfig       `yaml:"certs" toml:"certs"`
	Attachments AttachmentsConfig `yaml:"attachments" toml:"attachments"`
	UI          UIConfig          `yaml:"ui" toml:"ui"`
	Bridge      BridgeConfig      `yaml:"bridge" toml:"bridge"`
	Tailscale   TailscaleConfig   `yaml:"tailscale" toml:"tailscale"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
}

// ServerConfig holds the remote transport listener configuration
type ServerConfig struct {
	Addr           string `yaml:"addr" toml:"addr"`
	Secure         bool   `yaml:"secure" toml:"secure"`
	SocketPath     string `yaml:"socket_path" toml:"socket_path"`
	MaxConnections int    `yaml:"max_connections" toml:"max_connections"`

	HandshakeTimeout    time.Duration `yaml:"-" toml:"-"`
	HandshakeTimeoutRaw string        `yaml:"handshake_timeout" toml:"handshake_timeout"`
}

// AuthConfig holds pairing and token persistence configuration
type AuthConfig struct {
	TokenFile   string `yaml:"token_file" toml:"token_file"`
	AdminSecret string `yaml:"admin_secret" toml:"admin_secret"`
}

// AdminConfig holds the loopback management API configuration
type AdminConfig struct {
	Addr string `yaml:"addr" toml:"addr"`
}

// CertsConfig holds self-signed certificate configuration
type CertsConfig struct {
	Dir   string `yaml:"dir" toml:"dir"`
	Watch bool   `yaml:"watch" toml:"watch"`

	NetworkPollInterval    time.Duration `yaml:"-" toml:"-"`
	NetworkPollIntervalRaw string        `yaml:"network_poll_interval" toml:"network_poll_interval"`
}

// AttachmentsConfig controls which files the attachment endpoint may serve
type AttachmentsConfig struct {
	Segment    string   `yaml:"segment" toml:"segment"`
	Extensions []string `yaml:"extensions" toml:"extensions"`
}

// UIConfig selects where the bundled UI is served from
type UIConfig struct {
	// Dir serves the UI from disk instead of the embedded bundle (development).
	Dir string `yaml:"dir" toml:"dir"`
}

// BridgeConfig holds remote operation exposure configuration
type BridgeConfig struct {
	// DenyChannels extends the built-in deny-list.
	DenyChannels []string `yaml:"deny_channels" toml:"deny_channels"`
}

// TailscaleConfig holds Tailscale tsnet tunnel configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Files ending in .toml are decoded as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes raw configuration bytes, applies defaults and validates the result.
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
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

	cfg.ApplyDefaults()
	cfg.expandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied, rooted at configDir.
func Default(configDir string) *Config {
	cfg := &Config{
		Server: ServerConfig{Secure: true},
		Auth: AuthConfig{
			TokenFile: filepath.Join(configDir, "companion-tokens.json"),
		},
		Certs: CertsConfig{
			Dir:   filepath.Join(configDir, "certs"),
			Watch: true,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if c.Server.SocketPath == "" {
		c.Server.SocketPath = DefaultSocketPath
	}
	if !strings.HasPrefix(c.Server.SocketPath, "/") {
		c.Server.SocketPath = "/" + c.Server.SocketPath
	}
	if c.Server.MaxConnections == 0 {
		c.Server.MaxConnections = DefaultMaxConnections
	}
	if c.Server.HandshakeTimeout == 0 {
		c.Server.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Admin.Addr == "" {
		c.Admin.Addr = DefaultAdminAddr
	}
	if c.Certs.NetworkPollInterval == 0 {
		c.Certs.NetworkPollInterval = DefaultNetworkPollInterval
	}
	if c.Attachments.Segment == "" {
		c.Attachments.Segment = DefaultAttachmentSegment
	}
	if len(c.Attachments.Extensions) == 0 {
		c.Attachments.Extensions = append([]string(nil), DefaultAttachmentExtensions...)
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		c.Tailscale.Hostname = DefaultTailscaleHostname
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.Secure && c.Certs.Dir == "" {
		return fmt.Errorf("certs.dir is required when server.secure is enabled")
	}
	if c.Server.HandshakeTimeout <= 0 {
		return fmt.Errorf("server.handshake_timeout must be positive")
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections must not be negative")
	}
	if c.Auth.TokenFile == "" {
		return fmt.Errorf("auth.token_file is required")
	}
	if c.Auth.AdminSecret != "" && len(c.Auth.AdminSecret) < MinAdminSecretLength {
		return fmt.Errorf("auth.admin_secret must be at least %d bytes", MinAdminSecretLength)
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}
	for _, ext := range c.Attachments.Extensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("attachments.extensions entry %q must start with a dot", ext)
		}
	}
	return nil
}

// AdminEnabled reports whether the loopback admin API should be served.
func (c *Config) AdminEnabled() bool {
	return c.Auth.AdminSecret != ""
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

// expandPaths resolves a leading ~ in filesystem paths.
func (c *Config) expandPaths() {
	c.Auth.TokenFile = expandHome(c.Auth.TokenFile)
	c.Certs.Dir = expandHome(c.Certs.Dir)
	c.UI.Dir = expandHome(c.UI.Dir)
	c.Tailscale.StateDir = expandHome(c.Tailscale.StateDir)
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Server.HandshakeTimeoutRaw != "" {
		cfg.Server.HandshakeTimeout, err = time.ParseDuration(cfg.Server.HandshakeTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing handshake_timeout %q: %w", cfg.Server.HandshakeTimeoutRaw, err)
		}
	}

	if cfg.Certs.NetworkPollIntervalRaw != "" {
		cfg.Certs.NetworkPollInterval, err = time.ParseDuration(cfg.Certs.NetworkPollIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing network_poll_interval %q: %w", cfg.Certs.NetworkPollIntervalRaw, err)
		}
	}

	return nil
}

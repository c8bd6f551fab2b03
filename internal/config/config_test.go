// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, "companion.yaml", `
server:
  addr: "0.0.0.0:9000"
  secure: true
  socket_path: "socket"
  max_connections: 8
  handshake_timeout: "3s"

auth:
  token_file: "/tmp/tokens.json"

certs:
  dir: "/tmp/certs"
  watch: true
  network_poll_interval: "1m"

attachments:
  segment: "atts"
  extensions: [".png"]

bridge:
  deny_channels:
    - "danger:zone"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Addr != "0.0.0.0:9000" {
		t.Errorf("Server.Addr = %q, want %q", cfg.Server.Addr, "0.0.0.0:9000")
	}
	if !cfg.Server.Secure {
		t.Error("Server.Secure = false, want true")
	}
	if cfg.Server.SocketPath != "/socket" {
		t.Errorf("Server.SocketPath = %q, want %q", cfg.Server.SocketPath, "/socket")
	}
	if cfg.Server.MaxConnections != 8 {
		t.Errorf("Server.MaxConnections = %d, want 8", cfg.Server.MaxConnections)
	}
	if cfg.Server.HandshakeTimeout != 3*time.Second {
		t.Errorf("Server.HandshakeTimeout = %v, want %v", cfg.Server.HandshakeTimeout, 3*time.Second)
	}
	if cfg.Certs.NetworkPollInterval != time.Minute {
		t.Errorf("Certs.NetworkPollInterval = %v, want %v", cfg.Certs.NetworkPollInterval, time.Minute)
	}
	if cfg.Attachments.Segment != "atts" {
		t.Errorf("Attachments.Segment = %q, want %q", cfg.Attachments.Segment, "atts")
	}
	if len(cfg.Bridge.DenyChannels) != 1 || cfg.Bridge.DenyChannels[0] != "danger:zone" {
		t.Errorf("Bridge.DenyChannels = %v, want [danger:zone]", cfg.Bridge.DenyChannels)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "json")
	}
	if cfg.AdminEnabled() {
		t.Error("AdminEnabled() = true without admin_secret")
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "companion.yaml", `
auth:
  token_file: "/tmp/tokens.json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Addr != DefaultAddr {
		t.Errorf("Server.Addr = %q, want %q", cfg.Server.Addr, DefaultAddr)
	}
	if cfg.Server.SocketPath != DefaultSocketPath {
		t.Errorf("Server.SocketPath = %q, want %q", cfg.Server.SocketPath, DefaultSocketPath)
	}
	if cfg.Server.HandshakeTimeout != DefaultHandshakeTimeout {
		t.Errorf("Server.HandshakeTimeout = %v, want %v", cfg.Server.HandshakeTimeout, DefaultHandshakeTimeout)
	}
	if cfg.Admin.Addr != DefaultAdminAddr {
		t.Errorf("Admin.Addr = %q, want %q", cfg.Admin.Addr, DefaultAdminAddr)
	}
	if len(cfg.Attachments.Extensions) != len(DefaultAttachmentExtensions) {
		t.Errorf("Attachments.Extensions = %v, want defaults", cfg.Attachments.Extensions)
	}
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "companion.toml", `
[server]
addr = "127.0.0.1:7000"
handshake_timeout = "2s"

[auth]
token_file = "/tmp/tokens.json"

[tailscale]
enabled = true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:7000" {
		t.Errorf("Server.Addr = %q, want %q", cfg.Server.Addr, "127.0.0.1:7000")
	}
	if cfg.Server.HandshakeTimeout != 2*time.Second {
		t.Errorf("Server.HandshakeTimeout = %v, want 2s", cfg.Server.HandshakeTimeout)
	}
	if cfg.Tailscale.Hostname != DefaultTailscaleHostname {
		t.Errorf("Tailscale.Hostname = %q, want %q", cfg.Tailscale.Hostname, DefaultTailscaleHostname)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_COMPANION_SECRET", strings.Repeat("s", MinAdminSecretLength))
	t.Setenv("TEST_COMPANION_ADDR", "127.0.0.1:9999")

	path := writeConfig(t, "companion.yaml", `
server:
  addr: "${TEST_COMPANION_ADDR}"
auth:
  token_file: "/tmp/tokens.json"
  admin_secret: "${TEST_COMPANION_SECRET}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:9999" {
		t.Errorf("Server.Addr = %q, want %q", cfg.Server.Addr, "127.0.0.1:9999")
	}
	if !cfg.AdminEnabled() {
		t.Error("AdminEnabled() = false, want true")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, "companion.yaml", `
server:
  handshake_timeout: "soon"
auth:
  token_file: "/tmp/tokens.json"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "handshake_timeout") {
		t.Errorf("error = %v, want mention of handshake_timeout", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "secure without cert dir",
			mutate:  func(c *Config) { c.Server.Secure = true; c.Certs.Dir = "" },
			wantErr: "certs.dir",
		},
		{
			name:    "short admin secret",
			mutate:  func(c *Config) { c.Auth.AdminSecret = "short" },
			wantErr: "admin_secret",
		},
		{
			name:    "negative handshake timeout",
			mutate:  func(c *Config) { c.Server.HandshakeTimeout = -time.Second },
			wantErr: "handshake_timeout",
		},
		{
			name:    "extension without dot",
			mutate:  func(c *Config) { c.Attachments.Extensions = []string{"png"} },
			wantErr: "attachments.extensions",
		},
		{
			name:    "tailscale without hostname",
			mutate:  func(c *Config) { c.Tailscale.Enabled = true; c.Tailscale.Hostname = "" },
			wantErr: "tailscale.hostname",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default(t.TempDir())
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("Validate() expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default(t.TempDir())
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
	if !cfg.Server.Secure {
		t.Error("Default() should enable secure mode")
	}
}

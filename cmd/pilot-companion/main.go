// ABOUTME: Entry point for the pilot-companion host process and its management CLI
// ABOUTME: Serves remote companions and drives pairing through the loopback admin API

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/pilot-companion/internal/config"
	"github.com/2389/pilot-companion/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
       _ _       _                                             _
 _ __ (_) | ___ | |_       ___ ___  _ __ ___  _ __   __ _ _ __ (_) ___  _ __
| '_ \| | |/ _ \| __|____ / __/ _ \| '_ ' _ \| '_ \ / _' | '_ \| |/ _ \| '_ \
| |_) | | | (_) | ||_____| (_| (_) | | | | | | |_) | (_| | | | | | (_) | | | |
| .__/|_|_|\___/ \__|     \___\___/|_| |_| |_| .__/ \__,_|_| |_|_|\___/|_| |_|
|_|                                          |_|
`

// getConfigPath returns the path to the companion config file.
// Priority: PILOT_COMPANION_CONFIG env var > XDG_CONFIG_HOME/pilot/companion.yaml > ~/.config/pilot/companion.yaml
func getConfigPath() string {
	if envPath := os.Getenv("PILOT_COMPANION_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "companion.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "pilot", "companion.yaml")
}

// loadConfig loads the config file, falling back to defaults rooted next to
// it when the file does not exist yet.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return config.Default(filepath.Dir(path)), nil
	}
	return nil, fmt.Errorf("loading config: %w", err)
}

func usage() {
	fmt.Println("Usage: pilot-companion <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                Start the companion host")
	fmt.Println("  init                 Create a new config file interactively")
	fmt.Println("  token [--ttl DUR]    Print an admin API token")
	fmt.Println("  pin                  Start PIN pairing and print the PIN")
	fmt.Println("  qr                   Start QR pairing and print the code")
	fmt.Println("  devices              List paired devices")
	fmt.Println("  revoke SESSION_ID    Revoke a paired device")
	fmt.Println("  health               Check host health")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken(os.Args[2:])
	case "pin":
		err = runPIN(ctx)
	case "qr":
		err = runQR(ctx)
	case "devices":
		err = runDevices(ctx)
	case "revoke":
		err = runRevoke(ctx, os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	scheme := "http"
	if cfg.Server.Secure {
		scheme = "https"
	}

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Companion: %s://%s\n", scheme, cfg.Server.Addr)
	green.Print("    ▶ ")
	fmt.Printf("Admin:     http://%s", cfg.Admin.Addr)
	if !cfg.AdminEnabled() {
		yellow.Print(" [health only]")
	}
	fmt.Println()

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting pilot-companion",
		"config", configPath,
		"addr", cfg.Server.Addr,
		"secure", cfg.Server.Secure,
		"admin_addr", cfg.Admin.Addr,
	)

	gw, err := gateway.New(cfg, logger, gateway.WithVersion(version))
	if err != nil {
		return fmt.Errorf("creating companion host: %w", err)
	}

	return gw.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = newColorHandler(os.Stdout, level)
	}

	return slog.New(handler)
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("pilot-companion configuration setup")
	fmt.Println("===================================")
	fmt.Println()

	defaultConfigPath := getConfigPath()

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}
	configDir := filepath.Dir(outputFile)

	fmt.Println("\n--- Companion Server ---")
	addr := prompt(reader, "Listen address", config.DefaultAddr)
	secure := isYes(prompt(reader, "Serve TLS with a self-signed certificate?", "yes"))
	certsDir := ""
	if secure {
		certsDir = prompt(reader, "Certificate directory", filepath.Join(configDir, "certs"))
	}
	tokenFile := prompt(reader, "Token file", filepath.Join(configDir, "companion-tokens.json"))

	fmt.Println("\n--- Admin API ---")
	adminAddr := prompt(reader, "Admin address (loopback)", config.DefaultAdminAddr)
	adminSecret, err := generateSecret()
	if err != nil {
		return err
	}

	fmt.Println("\n--- Tailscale Configuration ---")
	tailscaleEnabled := isYes(prompt(reader, "Enable Tailscale?", "no"))

	var tsHostname, tsAuthKey string
	var tsEphemeral bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", config.DefaultTailscaleHostname)
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
		tsEphemeral = isYes(prompt(reader, "Ephemeral node?", "no"))
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# pilot-companion configuration\n")
	cfg.WriteString("# Generated by pilot-companion init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  addr: \"%s\"\n", addr))
	cfg.WriteString(fmt.Sprintf("  secure: %t\n", secure))
	cfg.WriteString(fmt.Sprintf("  socket_path: \"%s\"\n", config.DefaultSocketPath))
	cfg.WriteString("  handshake_timeout: \"5s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  token_file: \"%s\"\n", tokenFile))
	cfg.WriteString(fmt.Sprintf("  admin_secret: \"%s\"\n", adminSecret))
	cfg.WriteString("\n")

	cfg.WriteString("admin:\n")
	cfg.WriteString(fmt.Sprintf("  addr: \"%s\"\n", adminAddr))
	cfg.WriteString("\n")

	if secure {
		cfg.WriteString("certs:\n")
		cfg.WriteString(fmt.Sprintf("  dir: \"%s\"\n", certsDir))
		cfg.WriteString("  watch: true\n")
		cfg.WriteString("  network_poll_interval: \"30s\"\n")
		cfg.WriteString("\n")
	}

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", tailscaleEnabled))
	if tailscaleEnabled {
		cfg.WriteString(fmt.Sprintf("  hostname: \"%s\"\n", tsHostname))
		if tsAuthKey != "" {
			cfg.WriteString(fmt.Sprintf("  auth_key: \"%s\"\n", tsAuthKey))
		}
		cfg.WriteString(fmt.Sprintf("  ephemeral: %t\n", tsEphemeral))
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// The file carries the admin secret.
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the host:")
	fmt.Printf("  pilot-companion serve\n")
	fmt.Println("To pair a device:")
	fmt.Printf("  pilot-companion pin\n")

	return nil
}

// generateSecret returns a random base64 admin secret long enough for config validation.
func generateSecret() (string, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", fmt.Errorf("generating admin secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(secretBytes), nil
}

func isYes(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

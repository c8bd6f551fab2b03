// ABOUTME: Tailscale tsnet tunnel that exposes the companion transport on the tailnet
// ABOUTME: Brings the node up, listens on :443, and fetches the tailnet certificate pair

package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/pilot-companion/internal/config"
)

// ErrNoCertDomain is returned when the tailnet has HTTPS certificates disabled.
var ErrNoCertDomain = errors.New("tailnet offers no certificate domain (enable HTTPS in the tailnet admin console)")

// Tunnel is a running tsnet node serving the companion on :443.
type Tunnel struct {
	srv    *tsnet.Server
	ln     net.Listener
	domain string
	addr   string
	logger *slog.Logger
}

// Start brings up a tsnet node and listens on the tailnet :443 port.
func Start(ctx context.Context, cfg config.TailscaleConfig, logger *slog.Logger) (*Tunnel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "tunnel")

	stateDir, err := resolveStateDir(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveAuthKey(cfg.AuthKey)
	if err != nil {
		return nil, err
	}

	srv := &tsnet.Server{
		Hostname:  cfg.Hostname,
		Dir:       stateDir,
		Ephemeral: cfg.Ephemeral,
		AuthKey:   authKey,
		Logf: func(format string, args ...any) {
			logger.Debug(fmt.Sprintf(format, args...))
		},
	}

	logger.Info("starting tailscale node", "hostname", cfg.Hostname, "state_dir", stateDir, "ephemeral", cfg.Ephemeral)
	status, err := srv.Up(ctx)
	if err != nil {
		_ = srv.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}

	ln, err := srv.Listen("tcp", ":443")
	if err != nil {
		_ = srv.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}

	t := &Tunnel{
		srv:    srv,
		ln:     ln,
		domain: certDomain(status),
		addr:   tailscaleAddr(status),
		logger: logger,
	}
	logger.Info("tailscale node ready", "hostname", cfg.Hostname, "tailscale_ip", t.addr, "domain", t.domain)
	return t, nil
}

// Listener returns the raw tailnet listener. TLS is applied by the transport.
func (t *Tunnel) Listener() net.Listener { return t.ln }

// Domain returns the MagicDNS name the certificate is issued for.
func (t *Tunnel) Domain() string { return t.domain }

// URL returns the https URL companions should use over the tailnet.
func (t *Tunnel) URL() string {
	if t.domain == "" {
		return ""
	}
	return "https://" + t.domain
}

// Certificate fetches the tailnet-issued certificate and key for Domain.
func (t *Tunnel) Certificate(ctx context.Context) (certPEM, keyPEM []byte, err error) {
	if t.domain == "" {
		return nil, nil, ErrNoCertDomain
	}
	lc, err := t.srv.LocalClient()
	if err != nil {
		return nil, nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	certPEM, keyPEM, err = lc.CertPair(ctx, t.domain)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching tailnet certificate for %s: %w", t.domain, err)
	}
	return certPEM, keyPEM, nil
}

// Close shuts the listener and the tsnet node down.
func (t *Tunnel) Close() error {
	var errs []error
	if err := t.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = append(errs, fmt.Errorf("closing listener: %w", err))
	}
	if err := t.srv.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing tailscale node: %w", err))
	}
	t.logger.Info("tailscale node stopped")
	return errors.Join(errs...)
}

// resolveStateDir returns the state directory, using default if not configured.
func resolveStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "pilot-companion", "tailscale"), nil
}

// resolveAuthKey returns the auth key from config or environment.
func resolveAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// certDomain picks the domain a certificate can be issued for.
func certDomain(status *ipnstate.Status) string {
	if status == nil {
		return ""
	}
	if len(status.CertDomains) > 0 {
		return status.CertDomains[0]
	}
	if status.Self != nil {
		return strings.TrimSuffix(status.Self.DNSName, ".")
	}
	return ""
}

func tailscaleAddr(status *ipnstate.Status) string {
	if status == nil || len(status.TailscaleIPs) == 0 {
		return ""
	}
	return status.TailscaleIPs[0].String()
}

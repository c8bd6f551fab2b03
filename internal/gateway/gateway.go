// ABOUTME: Companion host orchestrator that wires auth, certificates, bridge, and transport
// ABOUTME: Owns the run loop, the loopback admin listener, the tunnel, and graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/pilot-companion/internal/assets"
	"github.com/2389/pilot-companion/internal/auth"
	"github.com/2389/pilot-companion/internal/certs"
	"github.com/2389/pilot-companion/internal/config"
	"github.com/2389/pilot-companion/internal/rpc"
	"github.com/2389/pilot-companion/internal/transport"
	"github.com/2389/pilot-companion/internal/tunnel"
)

// ErrInsecure is returned by certificate operations when server.secure is off.
var ErrInsecure = errors.New("certificate operations require server.secure")

// Gateway orchestrates the companion host components.
// Every service is constructed once in New and shared by handle.
type Gateway struct {
	config    *config.Config
	auth      *auth.Service
	certs     *certs.Manager
	bridge    *rpc.Bridge
	transport *transport.Server
	admin     *http.Server
	version   string
	logger    *slog.Logger

	mu           sync.Mutex
	tunnel       *tunnel.Tunnel
	adminLn      net.Listener
	stopMonitors context.CancelFunc

	// bundle is the self-signed bundle, kept even while a tunnel
	// certificate is being served so it can be restored.
	bundleMu sync.Mutex
	bundle   *certs.Bundle

	tunnelCertActive atomic.Bool

	qrMu sync.Mutex
	qr   *auth.QRPayload

	background sync.WaitGroup
}

type options struct {
	version   string
	addresses certs.AddressFunc
	authOpts  []auth.Option
}

// Option configures a Gateway.
type Option func(*options)

// WithVersion sets the version reported by capabilities and system:info.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// WithAddressFunc overrides LAN address enumeration, used by tests to
// simulate network changes.
func WithAddressFunc(fn certs.AddressFunc) Option {
	return func(o *options) { o.addresses = fn }
}

// WithAuthOptions passes options through to the auth service.
func WithAuthOptions(opts ...auth.Option) Option {
	return func(o *options) { o.authOpts = append(o.authOpts, opts...) }
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := options{version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}

	authSvc, err := auth.NewService(auth.NewFileTokenStore(cfg.Auth.TokenFile), logger, o.authOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating auth service: %w", err)
	}

	bridge := rpc.NewBridge(logger, cfg.Bridge.DenyChannels...)

	ui, err := assets.UIHandler(cfg.UI.Dir, logger)
	if err != nil {
		return nil, fmt.Errorf("loading ui: %w", err)
	}
	help, err := assets.HelpHandler(logger)
	if err != nil {
		return nil, fmt.Errorf("loading help: %w", err)
	}

	ts, err := transport.NewServer(transport.Config{
		Addr:                 cfg.Server.Addr,
		Secure:               cfg.Server.Secure,
		SocketPath:           cfg.Server.SocketPath,
		MaxConnections:       cfg.Server.MaxConnections,
		HandshakeTimeout:     cfg.Server.HandshakeTimeout,
		Version:              o.version,
		AttachmentSegment:    cfg.Attachments.Segment,
		AttachmentExtensions: cfg.Attachments.Extensions,
		Auth:                 authSvc,
		Bridge:               bridge,
		UI:                   ui,
		Help:                 help,
		Logger:               logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating transport: %w", err)
	}

	gw := &Gateway{
		config:    cfg,
		auth:      authSvc,
		certs:     certs.NewManager(o.addresses, logger),
		bridge:    bridge,
		transport: ts,
		version:   o.version,
		logger:    logger.With("component", "gateway"),
	}

	authSvc.OnRevoke(func(sessionID string) {
		closed := ts.DisconnectClient(sessionID)
		gw.logger.Info("device revoked", "session_id", sessionID, "sockets_closed", closed)
		ts.Broadcast(EventDevicesChanged, authSvc.ListDevices())
	})

	if err := gw.registerBuiltins(); err != nil {
		return nil, err
	}

	gw.admin = &http.Server{
		Addr:              cfg.Admin.Addr,
		Handler:           gw.adminHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Auth returns the pairing and token service.
func (g *Gateway) Auth() *auth.Service { return g.auth }

// Bridge returns the operation registry, for registering host collaborators.
func (g *Gateway) Bridge() *rpc.Bridge { return g.bridge }

// Transport returns the remote transport server.
func (g *Gateway) Transport() *transport.Server { return g.transport }

// ForwardEvent pushes an event to every authenticated remote client.
func (g *Gateway) ForwardEvent(channel string, payload any) {
	g.transport.Broadcast(channel, payload)
}

// AdminAddr returns the bound admin listener address, or nil before Run.
func (g *Gateway) AdminAddr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.adminLn == nil {
		return nil
	}
	return g.adminLn.Addr()
}

// Run starts every server and blocks until ctx is canceled or a server fails.
// Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.loadCertificate(); err != nil {
		return err
	}

	if err := g.transport.Start(); err != nil {
		return fmt.Errorf("starting transport: %w", err)
	}
	g.logger.Info("companion transport listening",
		"addr", g.transport.Addr().String(),
		"secure", g.config.Server.Secure,
		"socket_path", g.config.Server.SocketPath,
	)

	errCh, err := g.startAdmin()
	if err != nil {
		return errors.Join(err, g.gracefulShutdown())
	}

	bgCtx, cancel := context.WithCancel(ctx)
	g.mu.Lock()
	g.stopMonitors = cancel
	g.mu.Unlock()
	g.startMonitors(bgCtx)

	if g.config.Tailscale.Enabled {
		if err := g.startTunnel(ctx); err != nil {
			return errors.Join(err, g.gracefulShutdown())
		}
	}

	serverErr := g.waitForShutdownSignal(ctx, errCh)
	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// loadCertificate ensures the self-signed bundle and hands it to the transport.
func (g *Gateway) loadCertificate() error {
	if !g.config.Server.Secure {
		return nil
	}
	bundle, err := g.certs.Ensure(g.config.Certs.Dir)
	if err != nil {
		return fmt.Errorf("preparing certificate: %w", err)
	}
	return g.installBundle(bundle)
}

// installBundle records the self-signed bundle and serves it unless a tunnel
// certificate currently takes precedence.
func (g *Gateway) installBundle(b *certs.Bundle) error {
	g.bundleMu.Lock()
	g.bundle = b
	g.bundleMu.Unlock()

	if g.tunnelCertActive.Load() {
		g.logger.Debug("tunnel certificate active, holding self-signed bundle", "serial", b.Serial())
		return nil
	}
	if err := g.transport.UpdateCertificates(b.CertPEM, b.KeyPEM); err != nil {
		return fmt.Errorf("installing certificate: %w", err)
	}
	return nil
}

func (g *Gateway) currentBundle() *certs.Bundle {
	g.bundleMu.Lock()
	defer g.bundleMu.Unlock()
	return g.bundle
}

// RegenerateCertificate re-issues the self-signed bundle and hot-swaps it.
func (g *Gateway) RegenerateCertificate() (*certs.Bundle, error) {
	if !g.config.Server.Secure {
		return nil, ErrInsecure
	}
	bundle, err := g.certs.Regenerate(g.config.Certs.Dir)
	if err != nil {
		return nil, fmt.Errorf("regenerating certificate: %w", err)
	}
	if err := g.installBundle(bundle); err != nil {
		return nil, err
	}
	g.ForwardEvent(EventCertificateChanged, certificateEvent(bundle))
	return bundle, nil
}

// startAdmin binds the loopback admin listener and serves it in a goroutine.
func (g *Gateway) startAdmin() (chan error, error) {
	errCh := make(chan error, 1)

	ln, err := net.Listen("tcp", g.config.Admin.Addr)
	if err != nil {
		return nil, fmt.Errorf("listening on admin addr %s: %w", g.config.Admin.Addr, err)
	}
	g.mu.Lock()
	g.adminLn = ln
	g.mu.Unlock()

	go func() {
		g.logger.Info("admin API listening", "addr", ln.Addr().String(), "enabled", g.config.AdminEnabled())
		if err := g.admin.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("admin server: %w", err)
		}
	}()
	return errCh, nil
}

// startTunnel brings up the tailnet node, serves the transport on it, and
// swaps in the tailnet certificate. Without one it keeps the self-signed bundle.
func (g *Gateway) startTunnel(ctx context.Context) error {
	tun, err := tunnel.Start(ctx, g.config.Tailscale, g.logger)
	if err != nil {
		return fmt.Errorf("starting tunnel: %w", err)
	}
	g.mu.Lock()
	g.tunnel = tun
	g.mu.Unlock()

	certPEM, keyPEM, err := tun.Certificate(ctx)
	switch {
	case err == nil:
		if err := g.transport.UpdateCertificates(certPEM, keyPEM); err != nil {
			return fmt.Errorf("installing tunnel certificate: %w", err)
		}
		g.tunnelCertActive.Store(true)
		g.logger.Info("serving tailnet certificate", "domain", tun.Domain())
	case g.transport.HasCertificate():
		g.logger.Warn("tailnet certificate unavailable, serving self-signed bundle on tunnel", "error", err)
	default:
		return fmt.Errorf("tunnel certificate: %w", err)
	}

	if err := g.transport.ServeTLS(tun.Listener()); err != nil {
		return fmt.Errorf("serving on tunnel: %w", err)
	}
	g.logger.Info("companion reachable over tailnet", "url", tun.URL())
	return nil
}

// closeTunnel stops the tailnet node and restores the self-signed bundle.
func (g *Gateway) closeTunnel() error {
	g.mu.Lock()
	tun := g.tunnel
	g.tunnel = nil
	g.mu.Unlock()
	if tun == nil {
		return nil
	}

	err := tun.Close()
	if g.tunnelCertActive.Swap(false) {
		if b := g.currentBundle(); b != nil {
			if restoreErr := g.transport.UpdateCertificates(b.CertPEM, b.KeyPEM); restoreErr != nil {
				err = errors.Join(err, fmt.Errorf("restoring self-signed certificate: %w", restoreErr))
			} else {
				g.logger.Info("restored self-signed certificate", "serial", b.Serial())
			}
		}
	}
	return err
}

// tunnelDomain returns the tailnet domain when a tunnel certificate is served.
func (g *Gateway) tunnelDomain() string {
	if !g.tunnelCertActive.Load() {
		return ""
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.tunnel == nil {
		return ""
	}
	return g.tunnel.Domain()
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	case err := <-g.transport.Errors():
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops all servers and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down companion host")

	g.mu.Lock()
	stop := g.stopMonitors
	g.stopMonitors = nil
	g.mu.Unlock()
	if stop != nil {
		stop()
	}
	g.background.Wait()

	var errs []error
	errs = appendCloseError(errs, "tunnel shutdown", g.closeTunnel())
	errs = appendCloseError(errs, "transport shutdown", g.transport.Stop(ctx))
	errs = appendCloseError(errs, "admin shutdown", g.admin.Shutdown(ctx))

	g.bridge.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

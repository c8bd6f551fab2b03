// ABOUTME: Remote companion transport: HTTP endpoints plus authenticated websocket sockets
// ABOUTME: Owns the listener, the hot-swappable TLS certificate, and connection bookkeeping

package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"golang.org/x/net/netutil"

	"github.com/2389/pilot-companion/internal/auth"
	"github.com/2389/pilot-companion/internal/rpc"
)

// Lifecycle errors returned by Start and ServeTLS.
var (
	ErrAlreadyRunning = errors.New("transport already running")
	ErrNotRunning     = errors.New("transport not running")
	ErrNoCertificate  = errors.New("secure mode requires a certificate")
)

// Authenticator is the part of the auth service the transport depends on.
type Authenticator interface {
	Pair(credential, deviceName string) (string, bool)
	ValidateToken(secret string) (*auth.AuthToken, bool)
}

// Config configures a Server.
type Config struct {
	Addr             string
	Secure           bool
	SocketPath       string
	MaxConnections   int
	HandshakeTimeout time.Duration
	Version          string

	AttachmentSegment    string
	AttachmentExtensions []string

	Auth   Authenticator
	Bridge *rpc.Bridge

	// UI serves every path not claimed by another route.
	UI http.Handler
	// Help serves the rendered help page; optional.
	Help http.Handler

	Logger *slog.Logger
}

// Server is the remote companion transport.
type Server struct {
	cfg    Config
	auth   Authenticator
	bridge *rpc.Bridge
	router *httprouter.Router

	upgrader websocket.Upgrader
	cert     atomic.Pointer[tls.Certificate]

	mu         sync.Mutex
	running    bool
	httpServer *http.Server
	listeners  []net.Listener
	errCh      chan error

	clientsMu sync.Mutex
	clients   map[*Client]struct{}

	handshakeTimeouts atomic.Int64

	logger *slog.Logger
}

// NewServer creates a Server. Auth and Bridge are required.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Auth == nil {
		return nil, errors.New("auth is required")
	}
	if cfg.Bridge == nil {
		return nil, errors.New("bridge is required")
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = "/ws"
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.UI == nil {
		cfg.UI = http.NotFoundHandler()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		auth:   cfg.Auth,
		bridge: cfg.Bridge,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Companion clients authenticate in-band; origin carries no trust.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*Client]struct{}),
		errCh:   make(chan error, 4),
		logger:  logger.With("component", "transport"),
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the HTTP handler serving every transport route.
func (s *Server) Handler() http.Handler { return s.router }

// Errors reports fatal serve errors after Start.
func (s *Server) Errors() <-chan error { return s.errCh }

// UpdateCertificates replaces the TLS certificate used for new handshakes.
// Established connections keep their negotiated session.
func (s *Server) UpdateCertificates(certPEM, keyPEM []byte) error {
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return fmt.Errorf("loading certificate pair: %w", err)
	}
	s.cert.Store(&pair)
	s.logger.Info("certificate updated")
	return nil
}

// HasCertificate reports whether a certificate has been loaded.
func (s *Server) HasCertificate() bool {
	return s.cert.Load() != nil
}

func (s *Server) getCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cert := s.cert.Load()
	if cert == nil {
		return nil, ErrNoCertificate
	}
	return cert, nil
}

func (s *Server) tlsConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: s.getCertificate,
		MinVersion:     tls.VersionTLS12,
	}
}

// Running reports whether Start has succeeded and Stop has not been called.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start binds the configured address and begins serving in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}
	if s.cfg.Secure && !s.HasCertificate() {
		return ErrNoCertificate
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr, err)
	}

	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelDebug),
	}
	s.listeners = nil
	s.running = true
	s.serveLocked(ln, s.cfg.Secure)

	s.logger.Info("transport listening", "addr", ln.Addr().String(), "secure", s.cfg.Secure, "socket_path", s.cfg.SocketPath)
	return nil
}

// ServeTLS additionally serves TLS on ln, e.g. a tunnel listener, using the
// current certificate regardless of secure mode. The server must be running.
func (s *Server) ServeTLS(ln net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrNotRunning
	}
	if !s.HasCertificate() {
		return ErrNoCertificate
	}
	s.serveLocked(ln, true)
	s.logger.Info("transport serving additional listener", "addr", ln.Addr().String())
	return nil
}

func (s *Server) serveLocked(ln net.Listener, useTLS bool) {
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}
	if useTLS {
		ln = tls.NewListener(ln, s.tlsConfig())
	}
	s.listeners = append(s.listeners, ln)

	srv := s.httpServer
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case s.errCh <- fmt.Errorf("transport server: %w", err):
			default:
			}
		}
	}()
}

// Addr returns the primary listener address, or nil when not running.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || len(s.listeners) == 0 {
		return nil
	}
	return s.listeners[0].Addr()
}

// Port returns the bound port, falling back to the configured one.
func (s *Server) Port() int {
	if addr, ok := s.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	_, portStr, err := net.SplitHostPort(s.cfg.Addr)
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(portStr)
	return port
}

// Stop closes every connection with a normal-closure code and shuts the
// listener down. Calling Stop on a stopped server is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	srv := s.httpServer
	s.mu.Unlock()

	for _, c := range s.snapshot() {
		c.Close(CloseNormal, "server shutting down")
	}

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down transport: %w", err)
	}
	s.logger.Info("transport stopped")
	return nil
}

// Broadcast pushes an event to every authenticated client. It only logs when
// the server is not running.
func (s *Server) Broadcast(channel string, payload any) {
	if !s.Running() {
		s.logger.Warn("broadcast while transport not running", "channel", channel)
		return
	}
	s.bridge.ForwardEvent(channel, payload)
}

// DisconnectClient force-closes every socket authenticated as sessionID and
// returns how many were closed.
func (s *Server) DisconnectClient(sessionID string) int {
	closed := 0
	for _, c := range s.snapshot() {
		if c.State() == StateAuthenticated && c.SessionID() == sessionID {
			c.Close(CloseRevoked, "credential revoked")
			closed++
		}
	}
	s.bridge.DetachClient(sessionID)
	if closed > 0 {
		s.logger.Info("disconnected revoked client", "session_id", sessionID, "connections", closed)
	}
	return closed
}

// ConnectionCount returns the number of open sockets, authenticated or not.
func (s *Server) ConnectionCount() int {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return len(s.clients)
}

func (s *Server) track(c *Client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	select {
	case <-c.done:
		return
	default:
	}
	s.clients[c] = struct{}{}
}

func (s *Server) forget(c *Client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()
}

func (s *Server) snapshot() []*Client {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	out := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		out = append(out, c)
	}
	return out
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !s.Running() {
		http.Error(w, `{"error":"server not running"}`, http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(s, conn)
	c.start(s.cfg.HandshakeTimeout)
	s.track(c)
	c.logger.Debug("connection awaiting authentication")
}

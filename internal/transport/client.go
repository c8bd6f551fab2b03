// ABOUTME: Per-connection websocket client with the authentication state machine
// ABOUTME: Pumps frames between the socket and the RPC bridge once authenticated

package transport

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/pilot-companion/internal/rpc"
)

// Close codes sent to companion clients.
const (
	CloseNormal            = websocket.CloseNormalClosure
	CloseHandshakeTimeout  = 4001
	CloseUnexpectedMessage = 4002
	CloseInvalidToken      = 4003
	CloseRevoked           = 4004
)

// auth_error reasons.
const (
	ReasonTimeout      = "timeout"
	ReasonExpectedAuth = "expected auth message"
	ReasonInvalidToken = "invalid token"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 1 << 20

	sendBufferSize    = 256
	inboundBufferSize = 64
)

var (
	errClientClosed   = errors.New("client closed")
	errSendBufferFull = errors.New("send buffer full")
)

// State is a connection's position in the handshake state machine.
type State int32

const (
	StateConnecting State = iota
	StateAwaitingAuth
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingAuth:
		return "awaiting-auth"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type outbound struct {
	data        []byte
	close       bool
	closeCode   int
	closeReason string
}

// Client is one upgraded companion connection.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	state     atomic.Int32
	sessionMu sync.RWMutex
	sessionID string

	send    chan outbound
	inbound chan []byte
	done    chan struct{}

	closing   sync.Once
	closeOnce sync.Once
	authed    chan struct{}

	logger *slog.Logger
}

func newClient(s *Server, conn *websocket.Conn) *Client {
	id := uuid.New().String()
	return &Client{
		id:      id,
		conn:    conn,
		server:  s,
		send:    make(chan outbound, sendBufferSize),
		inbound: make(chan []byte, inboundBufferSize),
		done:    make(chan struct{}),
		authed:  make(chan struct{}),
		logger:  s.logger.With("conn_id", id, "remote_addr", conn.RemoteAddr().String()),
	}
}

// ID returns the connection id, unique per socket.
func (c *Client) ID() string { return c.id }

// State returns the current handshake state.
func (c *Client) State() State { return State(c.state.Load()) }

// SessionID returns the paired session, empty until authenticated.
func (c *Client) SessionID() string {
	c.sessionMu.RLock()
	defer c.sessionMu.RUnlock()
	return c.sessionID
}

// Inbound delivers frames received after authentication.
func (c *Client) Inbound() <-chan []byte { return c.inbound }

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Send queues one text frame. It fails once the client is closed or when the
// peer is too slow to drain its buffer.
func (c *Client) Send(data []byte) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	select {
	case c.send <- outbound{data: data}:
		return nil
	case <-c.done:
		return errClientClosed
	default:
		return errSendBufferFull
	}
}

// Close sends a close frame with code and reason after any queued frames,
// then drops the connection. Repeated calls are no-ops.
func (c *Client) Close(code int, reason string) {
	c.closing.Do(func() {
		c.state.Store(int32(StateClosed))
		select {
		case <-c.done:
			return
		default:
		}
		select {
		case c.send <- outbound{close: true, closeCode: code, closeReason: reason}:
		default:
			c.shutdown()
		}
	})
}

// start arms the handshake timer and launches the pumps.
func (c *Client) start(timeout time.Duration) {
	c.state.Store(int32(StateAwaitingAuth))
	go c.watchHandshake(time.NewTimer(timeout))
	go c.writePump()
	go c.readPump()
}

// watchHandshake owns the handshake timer until authentication, expiry, or close.
func (c *Client) watchHandshake(timer *time.Timer) {
	defer timer.Stop()
	select {
	case <-timer.C:
		c.handshakeExpired()
	case <-c.authed:
	case <-c.done:
	}
}

// shutdown tears down the connection. Safe to call from any goroutine.
func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		close(c.done)
		_ = c.conn.Close()
		c.server.forget(c)
		c.logger.Debug("connection closed", "session_id", c.SessionID())
	})
}

func (c *Client) handshakeExpired() {
	if !c.state.CompareAndSwap(int32(StateAwaitingAuth), int32(StateClosed)) {
		return
	}
	c.server.handshakeTimeouts.Add(1)
	c.logger.Info("authentication handshake timed out")
	c.reject(CloseHandshakeTimeout, ReasonTimeout)
}

// reject sends auth_error and closes with code.
func (c *Client) reject(code int, reason string) {
	if data, err := json.Marshal(rpc.AuthResultFrame{Type: rpc.FrameAuthError, Reason: reason}); err == nil {
		select {
		case c.send <- outbound{data: data}:
		default:
		}
	}
	c.Close(code, reason)
}

func (c *Client) handleAuth(data []byte) {
	var frame rpc.AuthFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type != rpc.FrameAuth || frame.Token == "" {
		if !c.state.CompareAndSwap(int32(StateAwaitingAuth), int32(StateClosed)) {
			return
		}
		c.logger.Info("rejecting connection", "reason", ReasonExpectedAuth)
		c.reject(CloseUnexpectedMessage, ReasonExpectedAuth)
		return
	}

	tok, ok := c.server.auth.ValidateToken(frame.Token)
	if !ok {
		if !c.state.CompareAndSwap(int32(StateAwaitingAuth), int32(StateClosed)) {
			return
		}
		c.logger.Info("rejecting connection", "reason", ReasonInvalidToken)
		c.reject(CloseInvalidToken, ReasonInvalidToken)
		return
	}

	if !c.state.CompareAndSwap(int32(StateAwaitingAuth), int32(StateAuthenticated)) {
		return
	}
	close(c.authed)

	c.sessionMu.Lock()
	c.sessionID = tok.SessionID
	c.sessionMu.Unlock()

	okFrame, _ := json.Marshal(rpc.AuthResultFrame{Type: rpc.FrameAuthOK})
	if err := c.Send(okFrame); err != nil {
		c.shutdown()
		return
	}
	c.server.bridge.AttachClient(c, tok.SessionID)
	c.logger.Info("client authenticated", "session_id", tok.SessionID, "device", tok.DeviceName)
}

func (c *Client) readPump() {
	defer c.shutdown()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		switch c.State() {
		case StateAwaitingAuth:
			c.handleAuth(data)
		case StateAuthenticated:
			select {
			case c.inbound <- data:
			case <-c.done:
				return
			}
		default:
			// Closing: drain without interpreting.
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if msg.close {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(msg.closeCode, msg.closeReason),
					time.Now().Add(writeWait))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
				c.logger.Debug("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

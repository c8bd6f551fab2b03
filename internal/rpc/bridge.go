// ABOUTME: Routes invoke frames from authenticated sockets to registered host operations
// ABOUTME: Fans out host-originated events to every attached companion client

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// closeNormal is the websocket normal-closure code used when detaching.
const closeNormal = 1000

// Registration errors
var (
	ErrDeniedChannel    = errors.New("channel is host-local only")
	ErrDuplicateChannel = errors.New("channel already registered")
	ErrEmptyChannel     = errors.New("channel name is empty")
)

// Handler serves a request/response channel. The returned value is encoded
// as the response result; a non-nil error is surfaced as its message.
type Handler func(ctx context.Context, args []json.RawMessage) (any, error)

// OneWayHandler serves a fire-and-forget channel.
type OneWayHandler func(ctx context.Context, args []json.RawMessage)

// Socket is an authenticated client connection as seen by the bridge.
// Send and Close must be safe for concurrent use.
type Socket interface {
	// Send writes one text frame.
	Send(data []byte) error
	// Close closes the connection with a close code; repeated calls are no-ops.
	Close(code int, reason string)
	// Inbound delivers frames received after authentication.
	Inbound() <-chan []byte
	// Done is closed once the connection is gone.
	Done() <-chan struct{}
}

type attachment struct {
	sock   Socket
	stop   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
}

func (a *attachment) shutdown() {
	a.once.Do(func() {
		close(a.stop)
		a.cancel()
	})
}

// Bridge holds the handler registries and the set of attached sockets.
type Bridge struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	oneWay   map[string]OneWayHandler
	deny     map[string]bool

	clientsMu sync.RWMutex
	clients   map[string]*attachment // sessionID -> attachment

	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

// NewBridge creates a Bridge whose deny-list is DefaultDenyList plus extraDeny.
// Pass nil logger for default.
func NewBridge(logger *slog.Logger, extraDeny ...string) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	deny := make(map[string]bool, len(DefaultDenyList)+len(extraDeny))
	for _, ch := range DefaultDenyList {
		deny[ch] = true
	}
	for _, ch := range extraDeny {
		deny[ch] = true
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		handlers: make(map[string]Handler),
		oneWay:   make(map[string]OneWayHandler),
		deny:     deny,
		clients:  make(map[string]*attachment),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger.With("component", "bridge"),
	}
}

// Denied reports whether channel is on the deny-list.
func (b *Bridge) Denied(channel string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.deny[channel]
}

// Register exposes a request/response operation under channel.
func (b *Bridge) Register(channel string, h Handler) error {
	return b.register(channel, func() { b.handlers[channel] = h })
}

// RegisterOneWay exposes a fire-and-forget operation under channel.
func (b *Bridge) RegisterOneWay(channel string, h OneWayHandler) error {
	return b.register(channel, func() { b.oneWay[channel] = h })
}

func (b *Bridge) register(channel string, store func()) error {
	if channel == "" {
		return ErrEmptyChannel
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.deny[channel] {
		b.logger.Debug("registration skipped for host-local channel", "channel", channel)
		return fmt.Errorf("%w: %s", ErrDeniedChannel, channel)
	}
	if _, ok := b.handlers[channel]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateChannel, channel)
	}
	if _, ok := b.oneWay[channel]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateChannel, channel)
	}
	store()
	return nil
}

// Channels lists every registered channel, sorted.
func (b *Bridge) Channels() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.handlers)+len(b.oneWay))
	for ch := range b.handlers {
		out = append(out, ch)
	}
	for ch := range b.oneWay {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// AttachClient starts routing frames from sock under sessionID. A socket
// already attached under the same session is detached and closed first.
func (b *Bridge) AttachClient(sock Socket, sessionID string) {
	ctx, cancel := context.WithCancel(WithSession(b.ctx, sessionID))
	a := &attachment{sock: sock, stop: make(chan struct{}), cancel: cancel}

	b.clientsMu.Lock()
	prev := b.clients[sessionID]
	b.clients[sessionID] = a
	b.clientsMu.Unlock()

	if prev != nil {
		b.logger.Info("replacing attached client", "session_id", sessionID)
		prev.shutdown()
		prev.sock.Close(closeNormal, "replaced by new connection")
	}

	b.logger.Debug("client attached", "session_id", sessionID)
	go b.serve(ctx, sessionID, a)
}

// DetachClient closes and forgets the socket for sessionID. Safe to call
// for unknown or already detached sessions.
func (b *Bridge) DetachClient(sessionID string) {
	b.clientsMu.Lock()
	a, ok := b.clients[sessionID]
	if ok {
		delete(b.clients, sessionID)
	}
	b.clientsMu.Unlock()

	if !ok {
		return
	}
	a.shutdown()
	a.sock.Close(closeNormal, "detached")
	b.logger.Debug("client detached", "session_id", sessionID)
}

// detachIf removes a only if it is still the attachment for sessionID.
func (b *Bridge) detachIf(sessionID string, a *attachment) {
	b.clientsMu.Lock()
	if cur, ok := b.clients[sessionID]; ok && cur == a {
		delete(b.clients, sessionID)
	}
	b.clientsMu.Unlock()
	a.shutdown()
}

// ClientCount returns the number of attached sockets.
func (b *Bridge) ClientCount() int {
	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()
	return len(b.clients)
}

// Attached reports whether sessionID has an attached socket.
func (b *Bridge) Attached(sessionID string) bool {
	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()
	_, ok := b.clients[sessionID]
	return ok
}

func (b *Bridge) serve(ctx context.Context, sessionID string, a *attachment) {
	defer b.detachIf(sessionID, a)
	for {
		select {
		case data := <-a.sock.Inbound():
			b.handleFrame(ctx, sessionID, a.sock, data)
		case <-a.sock.Done():
			b.logger.Debug("client connection closed", "session_id", sessionID)
			return
		case <-a.stop:
			return
		}
	}
}

func (b *Bridge) handleFrame(ctx context.Context, sessionID string, sock Socket, data []byte) {
	var frame InvokeFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		b.logger.Debug("ignoring malformed frame", "session_id", sessionID, "error", err)
		return
	}
	if frame.Type != FrameInvoke || frame.ID == "" || frame.Channel == "" {
		b.logger.Debug("ignoring non-invoke frame", "session_id", sessionID, "type", frame.Type)
		return
	}

	// Requests resolve independently; ordering is carried by the id only.
	go b.invoke(ctx, sock, frame)
}

func (b *Bridge) invoke(ctx context.Context, sock Socket, frame InvokeFrame) {
	b.mu.RLock()
	h, isRequest := b.handlers[frame.Channel]
	ow, isOneWay := b.oneWay[frame.Channel]
	b.mu.RUnlock()

	resp := ResponseFrame{Type: FrameResponse, ID: frame.ID}
	switch {
	case isRequest:
		result, err := callHandler(ctx, h, frame.Args)
		if err != nil {
			resp.Error = err.Error()
			if resp.Error == "" {
				resp.Error = HandlerFailedMessage
			}
			b.logger.Debug("handler error", "channel", frame.Channel, "error", resp.Error)
			break
		}
		raw, err := marshalValue(result)
		if err != nil {
			resp.Error = fmt.Sprintf("encoding result: %v", err)
			break
		}
		resp.Result = raw
	case isOneWay:
		if err := callOneWay(ctx, ow, frame.Args); err != nil {
			b.logger.Warn("one-way handler failed", "channel", frame.Channel, "error", err)
		}
	default:
		resp.Error = NoHandlerPrefix + frame.Channel
	}

	data, err := json.Marshal(resp)
	if err != nil {
		b.logger.Error("encoding response", "channel", frame.Channel, "error", err)
		return
	}
	if err := sock.Send(data); err != nil {
		b.logger.Debug("response dropped", "channel", frame.Channel, "id", frame.ID, "error", err)
	}
}

func callHandler(ctx context.Context, h Handler, args []json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, args)
}

func callOneWay(ctx context.Context, h OneWayHandler, args []json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	h(ctx, args)
	return nil
}

// ForwardEvent sends an event frame to every attached socket, pruning sockets
// that turn out to be closed. It never panics and never returns an error.
func (b *Bridge) ForwardEvent(channel string, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("forwarding event panicked", "channel", channel, "panic", r)
		}
	}()

	raw, err := marshalValue(payload)
	if err != nil {
		b.logger.Error("encoding event payload", "channel", channel, "error", err)
		return
	}
	data, err := json.Marshal(EventFrame{Type: FrameEvent, Channel: channel, Payload: raw})
	if err != nil {
		b.logger.Error("encoding event", "channel", channel, "error", err)
		return
	}

	b.clientsMu.RLock()
	targets := make(map[string]*attachment, len(b.clients))
	for id, a := range b.clients {
		targets[id] = a
	}
	b.clientsMu.RUnlock()

	for id, a := range targets {
		select {
		case <-a.sock.Done():
			b.detachIf(id, a)
			continue
		default:
		}
		if err := a.sock.Send(data); err != nil {
			b.logger.Debug("pruning client after failed send", "session_id", id, "error", err)
			b.detachIf(id, a)
			a.sock.Close(closeNormal, "send failed")
		}
	}
}

// Close detaches every client and cancels in-flight handler contexts.
func (b *Bridge) Close() {
	b.clientsMu.Lock()
	all := b.clients
	b.clients = make(map[string]*attachment)
	b.clientsMu.Unlock()

	for _, a := range all {
		a.shutdown()
		a.sock.Close(closeNormal, "server shutting down")
	}
	b.cancel()
}

type sessionKey struct{}

// WithSession attaches the caller's session id to ctx.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

// SessionFromContext returns the session id of the remote caller, if any.
func SessionFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}

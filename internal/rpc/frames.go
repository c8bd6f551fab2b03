// ABOUTME: JSON wire frames exchanged with companion clients
// ABOUTME: Auth handshake, invoke requests, responses, and unsolicited events

package rpc

import "encoding/json"

// Frame type markers.
const (
	FrameAuth      = "auth"
	FrameAuthOK    = "auth_ok"
	FrameAuthError = "auth_error"
	FrameInvoke    = "ipc"
	FrameResponse  = "ipc-response"
	FrameEvent     = "event"
)

// NoHandlerPrefix prefixes the error returned for unregistered channels.
const NoHandlerPrefix = "No handler registered for channel: "

// HandlerFailedMessage is reported for handler errors that carry no message.
const HandlerFailedMessage = "handler failed"

// AuthFrame is the only message accepted before authentication.
type AuthFrame struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// AuthResultFrame answers an AuthFrame.
type AuthResultFrame struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// InvokeFrame is a client request for a registered channel.
type InvokeFrame struct {
	Type    string            `json:"type"`
	ID      string            `json:"id"`
	Channel string            `json:"channel"`
	Args    []json.RawMessage `json:"args"`
}

// ResponseFrame carries either Result or Error for one InvokeFrame.
type ResponseFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// EventFrame is pushed to every attached client by ForwardEvent. Payload is
// always present and is null for events without one.
type EventFrame struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// marshalValue encodes a handler result or event payload. A nil value
// encodes to nothing: an omitted result, or a null payload.
func marshalValue(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

// ABOUTME: Built-in host operations registered on the bridge like any other collaborator
// ABOUTME: Liveness, host info, device listing and revocation, and remote log forwarding

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/pilot-companion/internal/certs"
	"github.com/2389/pilot-companion/internal/rpc"
)

// Built-in operation channels.
const (
	ChannelPing         = "system:ping"
	ChannelInfo         = "system:info"
	ChannelLog          = "system:log"
	ChannelListDevices  = "companion:list-devices"
	ChannelRevokeDevice = "companion:revoke-device"
)

// Events pushed to remote clients by the host.
const (
	EventCertificateChanged = "companion:certificate-changed"
	EventDevicesChanged     = "companion:devices-changed"
)

// maxRemoteLogLength caps log lines forwarded by remote clients.
const maxRemoteLogLength = 4096

var errMissingSessionID = errors.New("sessionId argument is required")

// SystemInfo is the result of system:info.
type SystemInfo struct {
	Version string `json:"version"`
	Clients int    `json:"clients"`
	Secure  bool   `json:"secure"`
}

// CertificateEvent is the payload of companion:certificate-changed.
type CertificateEvent struct {
	Serial   string    `json:"serial"`
	NotAfter time.Time `json:"notAfter"`
}

func certificateEvent(b *certs.Bundle) CertificateEvent {
	return CertificateEvent{Serial: b.Serial(), NotAfter: b.Certificate.NotAfter}
}

func (g *Gateway) registerBuiltins() error {
	handlers := map[string]rpc.Handler{
		ChannelPing:         g.handlePing,
		ChannelInfo:         g.handleInfo,
		ChannelListDevices:  g.handleListDevices,
		ChannelRevokeDevice: g.handleRevokeDevice,
	}
	for channel, h := range handlers {
		if err := g.bridge.Register(channel, h); err != nil {
			return fmt.Errorf("registering %s: %w", channel, err)
		}
	}
	if err := g.bridge.RegisterOneWay(ChannelLog, g.handleRemoteLog); err != nil {
		return fmt.Errorf("registering %s: %w", ChannelLog, err)
	}
	return nil
}

func (g *Gateway) handlePing(context.Context, []json.RawMessage) (any, error) {
	return "pong", nil
}

func (g *Gateway) handleInfo(context.Context, []json.RawMessage) (any, error) {
	return SystemInfo{
		Version: g.version,
		Clients: g.bridge.ClientCount(),
		Secure:  g.config.Server.Secure,
	}, nil
}

func (g *Gateway) handleListDevices(context.Context, []json.RawMessage) (any, error) {
	return g.auth.ListDevices(), nil
}

// handleRevokeDevice revokes a paired device. A client revoking itself is
// disconnected before the reply can be delivered.
func (g *Gateway) handleRevokeDevice(ctx context.Context, args []json.RawMessage) (any, error) {
	var sessionID string
	if len(args) > 0 {
		if err := json.Unmarshal(args[0], &sessionID); err != nil {
			return nil, fmt.Errorf("decoding sessionId: %w", err)
		}
	}
	if sessionID == "" {
		return nil, errMissingSessionID
	}
	removed := g.auth.RevokeDevice(sessionID)
	g.logger.Info("device revoked by remote client",
		"session_id", sessionID,
		"requested_by", rpc.SessionFromContext(ctx),
		"removed", removed,
	)
	return map[string]int{"removed": removed}, nil
}

// handleRemoteLog writes a remote client's log line into the host log.
// Arguments are (level, message); unknown levels log at info.
func (g *Gateway) handleRemoteLog(ctx context.Context, args []json.RawMessage) {
	var level, message string
	if len(args) > 0 {
		_ = json.Unmarshal(args[0], &level)
	}
	if len(args) > 1 {
		if err := json.Unmarshal(args[1], &message); err != nil {
			message = string(args[1])
		}
	}
	if len(message) > maxRemoteLogLength {
		message = message[:maxRemoteLogLength]
	}
	g.logger.Log(ctx, remoteLogLevel(level), message,
		"source", "remote",
		"session_id", rpc.SessionFromContext(ctx),
	)
}

func remoteLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

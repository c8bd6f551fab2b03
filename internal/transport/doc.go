// Package transport accepts remote companion connections.
//
// # Endpoints
//
//   - GET /api/companion/capabilities - capability probe
//   - GET /api/companion/config - port, socket path, secure mode, tokenRequired
//   - POST /api/companion/pair - {credential, deviceName} -> {secret, socketUrl} or 401
//   - GET /api/companion/attachment?path=... - image bytes (token required; 403 on policy, 404 if absent)
//   - GET /help - rendered help page
//   - GET <socket path> - websocket upgrade
//   - anything else - the bundled UI
//
// # Handshake
//
// Every socket starts in StateAwaitingAuth with a handshake timer armed. The
// first frame must be {"type":"auth","token":"<secret>"}:
//
//	valid secret        -> {"type":"auth_ok"}, attached to the rpc.Bridge
//	invalid secret      -> {"type":"auth_error","reason":"invalid token"}, close 4003
//	any other frame     -> {"type":"auth_error","reason":"expected auth message"}, close 4002
//	timer fires         -> {"type":"auth_error","reason":"timeout"}, close 4001
//
// After authentication the transport does not interpret frames; they flow to
// the bridge. DisconnectClient closes a session's sockets with 4004 and Stop
// closes everything with 1000.
//
// # TLS
//
// In secure mode the listener is wrapped with a tls.Config whose
// GetCertificate reads an atomically swapped certificate, so
// UpdateCertificates takes effect on the next handshake without restarting
// the listener.
package transport

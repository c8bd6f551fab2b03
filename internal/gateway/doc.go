// Package gateway orchestrates the pilot-companion host components.
//
// # Overview
//
// The gateway package is the central coordinator of the companion host. It
// constructs every service exactly once and passes it by handle: the auth
// service, the certificate manager, the operation bridge, the remote
// transport, and the optional tailnet tunnel.
//
// # Gateway Struct
//
// The Gateway struct is the main entry point:
//
//	type Gateway struct {
//	    config    *config.Config
//	    auth      *auth.Service
//	    certs     *certs.Manager
//	    bridge    *rpc.Bridge
//	    transport *transport.Server
//	    admin     *http.Server
//	    tunnel    *tunnel.Tunnel
//	    // ... and more
//	}
//
// Revoking a device through the auth service disconnects its sockets via a
// revoke hook registered in New.
//
// # Built-in Operations
//
// Registered on the bridge like any host collaborator:
//
//   - system:ping - returns "pong"
//   - system:info - {version, clients, secure}
//   - system:log (one-way) - writes a remote log line into the host log
//   - companion:list-devices - paired devices without secrets
//   - companion:revoke-device - revokes a session and disconnects it
//
// # Admin API
//
// A loopback HTTP server always answers GET /health. With auth.admin_secret
// set it also serves, behind an admin JWT:
//
//   - POST /admin/pairing/pin
//   - POST /admin/pairing/qr
//   - GET /admin/pairing/qr.png
//   - GET /admin/devices
//   - DELETE /admin/devices/{sessionId}
//   - POST /admin/certificates/regenerate
//   - POST /admin/events
//
// # Certificates
//
// In secure mode the self-signed bundle is ensured at startup. A poller
// regenerates it when a new LAN address appears, and a file watcher reloads
// bundles replaced on disk. While a tailnet certificate is served both leave
// the transport certificate alone; closing the tunnel restores the
// self-signed bundle.
//
// # Lifecycle
//
// Start the host:
//
//	gw, err := gateway.New(cfg, logger, gateway.WithVersion(version))
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//
// Graceful shutdown:
//
//	cancel()
//
// # Key Files
//
//   - gateway.go: Gateway struct, initialization, Run/Shutdown, tunnel
//   - builtins.go: built-in bridge operations
//   - admin.go: loopback admin API
//   - monitor.go: network poller and certificate watcher
package gateway

// Package tunnel exposes the companion over a Tailscale tailnet.
//
// Start brings up an embedded tsnet node and listens on :443. The gateway
// hands Listener to the transport, which applies its own TLS, and pushes the
// pair returned by Certificate through transport.UpdateCertificates so
// tailnet clients see a publicly trusted certificate for Domain. When the
// tunnel closes the gateway restores the self-signed bundle.
package tunnel

// Package certs issues the self-signed TLS bundle served to companion clients.
//
// The bundle is a 2048-bit RSA key and a 10-year self-signed certificate
// stored as two PEM files in a fixed directory:
//
//	<dir>/companion-cert.pem
//	<dir>/companion-key.pem
//
// Subject Alternative Names always include DNS "localhost", IP 127.0.0.1,
// IP 0.0.0.0 and every non-loopback IPv4 address currently enumerable on the
// host. Rotation is address-driven: Ensure keeps the existing bundle while its
// SAN set is a superset of the current addresses and regenerates as soon as a
// new address appears. If interface enumeration fails the manager degrades to
// the localhost-only SAN set instead of returning an error.
//
// Watch reloads the bundle when its files are replaced on disk so the
// transport can hot-swap its secure context.
package certs

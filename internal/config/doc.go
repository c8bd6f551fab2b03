// Package config handles configuration loading for the pilot companion host.
//
// # Overview
//
// Configuration is loaded from YAML files (or TOML files, selected by the
// .toml extension) with environment variable expansion. The package applies
// defaults and validates the result.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from PILOT_COMPANION_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/pilot/companion.yaml
//  3. ~/.config/pilot/companion.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  admin_secret: "${PILOT_ADMIN_SECRET}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	server:
//	  handshake_timeout: "5s"
//	certs:
//	  network_poll_interval: "30s"
//
// # Configuration Sections
//
//	server:       remote listener (addr, secure, socket_path, max_connections)
//	auth:         token store file and the admin API signing secret
//	admin:        loopback management API address
//	certs:        self-signed certificate directory, file watching, LAN polling
//	attachments:  attachment endpoint policy (directory segment, extensions)
//	ui:           optional on-disk UI directory
//	bridge:       extra channels to keep off the wire
//	tailscale:    optional tsnet tunnel
//	logging:      level (debug|info|warn|error) and format (text|json)
package config

// Package ssh logs the proxy in to ssh:// upstreams: credentials from a key
// file, ssh-agent or password, host keys checked against known_hosts with
// trust on first use, and a handshake that honors context cancellation.
package ssh

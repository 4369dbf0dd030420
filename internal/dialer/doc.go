// Package dialer provides the outbound connections used by the proxy.
//
// Every Dialer implements DialContext. Connections are made either directly or
// through a single upstream proxy (HTTP CONNECT, SOCKS5, or SSH), selected by
// URL with New.
package dialer

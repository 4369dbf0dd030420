// Package socks5 implements the SOCKS5 handshake the proxy uses to reach
// targets through a SOCKS5 upstream.
//
// It wraps the protocol types in github.com/txthinking/socks5. The server half
// exists so the client can be exercised against a loopback stand-in.
package socks5

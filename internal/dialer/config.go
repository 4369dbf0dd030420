package dialer

import (
	"log/slog"
	"net"
	"time"
)

// Config holds outbound dialing settings shared by every Dialer.
type Config struct {
	// DialTimeout bounds DNS lookup and TCP connect.
	DialTimeout time.Duration
	// NegotiationTimeout bounds TLS, CONNECT, SOCKS5 and SSH handshakes with
	// an upstream proxy.
	NegotiationTimeout time.Duration
	KeepAlive          net.KeepAliveConfig

	SSHKeyPath        string
	SSHKnownHostsPath string

	// Logger receives upstream events such as newly recorded host keys. Nil
	// means slog.Default().
	Logger *slog.Logger
}

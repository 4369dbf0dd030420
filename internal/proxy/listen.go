package proxy

import (
	"context"
	"fmt"
	"net"

	"github.com/die-net/authproxy/internal/metrics"
)

// Listen opens the TCP listener clients connect to. Accepted connections get
// keepAlive applied and are counted in m, which may be nil.
func Listen(ctx context.Context, addr string, keepAlive net.KeepAliveConfig, m *metrics.Metrics) (net.Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &clientListener{Listener: ln, keepAlive: keepAlive, metrics: m}, nil
}

type clientListener struct {
	net.Listener
	keepAlive net.KeepAliveConfig
	metrics   *metrics.Metrics
}

func (l *clientListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetKeepAliveConfig(l.keepAlive)
	}
	l.metrics.Accepted()
	return c, nil
}

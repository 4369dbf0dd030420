package ssh

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

// ClientConfig is how the proxy logs in to an ssh:// upstream.
type ClientConfig struct {
	User            string
	Credentials     *Credentials
	HostKeyCallback ssh.HostKeyCallback
	// HandshakeTimeout bounds the handshake. Zero means only ctx bounds it.
	HandshakeTimeout time.Duration
}

// Handshake runs the client side of the SSH handshake over conn, verifying
// the host key as addr. conn is closed on failure, including when ctx ends
// before the handshake completes.
func Handshake(ctx context.Context, conn net.Conn, addr string, cfg ClientConfig) (*ssh.Client, error) {
	if cfg.HandshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(cfg.HandshakeTimeout))
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})

	cc, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            cfg.Credentials.Methods(),
		HostKeyCallback: cfg.HostKeyCallback,
	})
	if !stop() && err == nil {
		_ = cc.Close()
		err = ctx.Err()
	}
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}

	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(cc, chans, reqs), nil
}

package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/singleflight"

	internalssh "github.com/die-net/authproxy/internal/ssh"
)

// SSHProxyDialer reaches origin servers through "direct-tcpip" channels of
// one SSH connection to the upstream, opened on first use. If opening a
// channel fails for a transport reason, the connection is replaced once and
// the channel retried.
type SSHProxyDialer struct {
	sshAddr   string
	sshConfig internalssh.ClientConfig
	direct    Dialer

	// life ends on Close and aborts a handshake still in flight.
	life context.Context
	end  context.CancelFunc

	mu     sync.Mutex
	client *ssh.Client
	sf     singleflight.Group
}

// NewSSHProxyDialer returns a dialer for the SSH server at sshAddr, logging
// in as username with cfg.SSHKeyPath keys and password, whichever are set.
func NewSSHProxyDialer(cfg Config, sshAddr, username, password string) (*SSHProxyDialer, error) {
	if sshAddr == "" {
		return nil, errors.New("ssh upstream: missing address")
	}
	if username == "" {
		return nil, errors.New("ssh upstream: missing username")
	}

	creds, err := internalssh.LoadCredentials(cfg.SSHKeyPath, password)
	if err != nil {
		return nil, fmt.Errorf("ssh upstream: %w", err)
	}
	hostKeys, err := internalssh.HostKeyCallback(cfg.SSHKnownHostsPath, cfg.Logger)
	if err != nil {
		_ = creds.Close()
		return nil, fmt.Errorf("ssh upstream: %w", err)
	}

	life, end := context.WithCancel(context.Background())
	return &SSHProxyDialer{
		sshAddr: sshAddr,
		sshConfig: internalssh.ClientConfig{
			User:             username,
			Credentials:      creds,
			HostKeyCallback:  hostKeys,
			HandshakeTimeout: cfg.NegotiationTimeout,
		},
		direct: NewDirectDialer(cfg),
		life:   life,
		end:    end,
	}, nil
}

// DialContext opens a proxied TCP connection to address. Canceling ctx
// closes the returned channel, not the shared transport.
func (f *SSHProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("ssh upstream: unsupported network %q", network)
	}

	client, err := f.getClient(ctx)
	if err != nil {
		return nil, err
	}

	upConn, err := client.DialContext(ctx, "tcp", address)
	if err != nil {
		// OpenChannelError means the transport is healthy and the
		// destination is not.
		var openErr *ssh.OpenChannelError
		if errors.As(err, &openErr) || ctx.Err() != nil {
			return nil, fmt.Errorf("ssh upstream: dial %s: %w", address, err)
		}

		f.invalidateClient(client)
		client, err = f.getClient(ctx)
		if err != nil {
			return nil, err
		}
		upConn, err = client.DialContext(ctx, "tcp", address)
		if err != nil {
			return nil, fmt.Errorf("ssh upstream: dial %s: %w", address, err)
		}
	}

	stop := context.AfterFunc(ctx, func() {
		_ = upConn.Close()
	})
	return &sshChannelConn{Conn: upConn, stop: stop}, nil
}

// getClient returns the shared SSH client, creating it if needed. Concurrent
// callers share one connection attempt; a caller whose ctx ends stops
// waiting without aborting the attempt for the others.
func (f *SSHProxyDialer) getClient(ctx context.Context) (*ssh.Client, error) {
	f.mu.Lock()
	client := f.client
	f.mu.Unlock()
	if client != nil {
		return client, nil
	}

	ch := f.sf.DoChan("connect", func() (any, error) {
		f.mu.Lock()
		if c := f.client; c != nil {
			f.mu.Unlock()
			return c, nil
		}
		f.mu.Unlock()

		conn, err := f.direct.DialContext(f.life, "tcp", f.sshAddr)
		if err != nil {
			return nil, fmt.Errorf("ssh upstream: %w", err)
		}
		c, err := internalssh.Handshake(f.life, conn, f.sshAddr, f.sshConfig)
		if err != nil {
			return nil, fmt.Errorf("ssh upstream: %w", err)
		}

		f.mu.Lock()
		defer f.mu.Unlock()
		if err := f.life.Err(); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("ssh upstream: %w", err)
		}
		f.client = c
		return c, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*ssh.Client), nil
	}
}

// invalidateClient closes and forgets the shared client if it is still old.
func (f *SSHProxyDialer) invalidateClient(old *ssh.Client) {
	f.mu.Lock()
	if f.client != old {
		f.mu.Unlock()
		return
	}
	f.client = nil
	f.mu.Unlock()
	_ = old.Close()
}

// Close tears down the SSH connection and releases the credentials. Dials
// after Close fail.
func (f *SSHProxyDialer) Close() error {
	f.end()

	f.mu.Lock()
	client := f.client
	f.client = nil
	f.mu.Unlock()

	err := f.sshConfig.Credentials.Close()
	if client != nil {
		if cerr := client.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

type sshChannelConn struct {
	net.Conn
	stop func() bool
}

func (c *sshChannelConn) Close() error {
	c.stop()
	return c.Conn.Close()
}

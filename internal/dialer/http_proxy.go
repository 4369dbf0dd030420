package dialer

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ConnectError reports an upstream HTTP proxy answering CONNECT with a
// non-2xx status.
type ConnectError struct {
	Address    string
	StatusCode int
	Status     string
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("upstream proxy refused CONNECT %s: %s", e.Address, e.Status)
}

// HTTPProxyDialer reaches origin servers through an upstream HTTP or HTTPS
// proxy. Tunnels use CONNECT; plain forwarding sets the proxy on the
// forwarder's transport instead, see ProxyURL and Direct.
type HTTPProxyDialer struct {
	cfg      Config
	proxyURL *url.URL
	auth     string
	direct   Dialer
}

// NewHTTPProxyDialer returns a dialer for the proxy at proxyURL. A non-empty
// username is sent as Basic Proxy-Authorization.
func NewHTTPProxyDialer(cfg Config, proxyURL *url.URL, username, password string) (*HTTPProxyDialer, error) {
	switch {
	case proxyURL == nil:
		return nil, errors.New("http upstream: missing proxy url")
	case proxyURL.Scheme != "http" && proxyURL.Scheme != "https":
		return nil, fmt.Errorf("http upstream: unsupported scheme %q", proxyURL.Scheme)
	case proxyURL.Hostname() == "":
		return nil, errors.New("http upstream: missing host")
	}

	d := &HTTPProxyDialer{
		cfg:      cfg,
		proxyURL: proxyURL,
		direct:   NewDirectDialer(cfg),
	}
	if username != "" {
		d.auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
	}
	return d, nil
}

// ProxyURL returns the upstream proxy URL, credentials included.
func (d *HTTPProxyDialer) ProxyURL() *url.URL {
	return d.proxyURL
}

// Direct returns the dialer used to reach the upstream proxy itself.
func (d *HTTPProxyDialer) Direct() Dialer {
	return d.direct
}

// DialContext opens a tunnel to address through the upstream proxy.
// Negotiation is bounded by NegotiationTimeout and by ctx.
func (d *HTTPProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("http upstream: unsupported network %q", network)
	}

	c, err := d.direct.DialContext(ctx, network, d.proxyURL.Host)
	if err != nil {
		return nil, fmt.Errorf("http upstream: %w", err)
	}

	// Expire the deadline on cancel so blocked reads and writes return.
	stop := context.AfterFunc(ctx, func() {
		_ = c.SetDeadline(time.Unix(1, 0))
	})
	defer stop()
	if d.cfg.NegotiationTimeout > 0 {
		_ = c.SetDeadline(time.Now().Add(d.cfg.NegotiationTimeout))
	}

	tunnel, err := d.negotiate(ctx, c, address)
	if err == nil && !stop() {
		err = ctx.Err()
	}
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("http upstream: %w", err)
	}
	_ = c.SetDeadline(time.Time{})
	return tunnel, nil
}

// negotiate runs TLS to an https:// proxy, then the CONNECT exchange.
func (d *HTTPProxyDialer) negotiate(ctx context.Context, c net.Conn, address string) (net.Conn, error) {
	if d.proxyURL.Scheme == "https" {
		tc := tls.Client(c, &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: d.proxyURL.Hostname(),
		})
		if err := tc.HandshakeContext(ctx); err != nil {
			return nil, fmt.Errorf("tls handshake: %w", err)
		}
		c = tc
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: address},
		Host:   address,
		Header: http.Header{},
	}
	if d.auth != "" {
		req.Header.Set("Proxy-Authorization", d.auth)
	}
	if err := req.Write(c); err != nil {
		return nil, fmt.Errorf("write CONNECT: %w", err)
	}

	br := bufio.NewReader(c)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ConnectError{Address: address, StatusCode: resp.StatusCode, Status: resp.Status}
	}

	if br.Buffered() > 0 {
		return &bufferedConn{Conn: c, r: br}, nil
	}
	return c, nil
}

// bufferedConn returns bytes that arrived with the CONNECT response before
// reading from the connection again.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

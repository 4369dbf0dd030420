package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/die-net/authproxy/internal/dialer"
)

const connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

type tunnelState int

const (
	awaitingHandshake tunnelState = iota
	accepted
	relaying
	closed
)

func (s tunnelState) String() string {
	switch s {
	case awaitingHandshake:
		return "awaiting_handshake"
	case accepted:
		return "accepted"
	case relaying:
		return "relaying"
	default:
		return "closed"
	}
}

// tunnel is one CONNECT session. It is owned by the handler goroutine and
// never outlives it.
type tunnel struct {
	target string
	state  tunnelState
	start  time.Time
	up     int64
	down   int64
}

// connectTarget validates a CONNECT authority and defaults the port to 443.
func connectTarget(authority string) (string, error) {
	if authority == "" {
		return "", &Error{Kind: BadTarget, Err: errors.New("missing authority")}
	}

	host, port, err := net.SplitHostPort(authority)
	if err != nil {
		bare := authority
		if strings.HasPrefix(bare, "[") && strings.HasSuffix(bare, "]") {
			bare = bare[1 : len(bare)-1]
		}
		host, port, err = net.SplitHostPort(net.JoinHostPort(bare, "443"))
		if err != nil {
			return "", &Error{Kind: BadTarget, Err: err}
		}
	}
	if host == "" {
		return "", &Error{Kind: BadTarget, Err: fmt.Errorf("authority %q has no host", authority)}
	}
	if p, err := strconv.ParseUint(port, 10, 16); err != nil || p == 0 {
		return "", &Error{Kind: BadTarget, Err: fmt.Errorf("authority %q has invalid port", authority)}
	}
	return net.JoinHostPort(host, port), nil
}

// handleConnect runs a CONNECT session and returns the status it answered
// with. Once 200 has been sent, failures only end the stream.
func (s *HTTPProxyServer) handleConnect(w http.ResponseWriter, r *http.Request) int {
	t := &tunnel{state: awaitingHandshake, start: time.Now()}

	target, err := connectTarget(r.Host)
	if err != nil {
		return s.writeError(w, r, err)
	}
	t.target = target

	hj, ok := w.(http.Hijacker)
	if !ok {
		return s.writeError(w, r, errors.New("hijacking not supported"))
	}
	clientConn, brw, err := hj.Hijack()
	if err != nil {
		return s.writeError(w, r, fmt.Errorf("hijack: %w", err))
	}

	t.state = accepted
	if _, err := brw.WriteString(connectEstablished); err == nil {
		err = brw.Flush()
	}
	if err != nil {
		_ = clientConn.Close()
		s.closeTunnel(t, err)
		return http.StatusOK
	}

	upstream, hangup, err := s.dialUpstream(r.Context(), clientConn, brw.Reader, target)
	if err != nil {
		_ = clientConn.Close()
		if hangup != nil {
			s.closeTunnel(t, hangup)
			return http.StatusOK
		}
		s.metrics.Error(UpstreamUnreachable.String())
		s.closeTunnel(t, &Error{Kind: UpstreamUnreachable, Err: err})
		return http.StatusOK
	}

	var client net.Conn = clientConn
	if brw.Reader.Buffered() > 0 {
		client = &bufferedConn{Conn: clientConn, r: brw.Reader}
	}

	t.state = relaying
	s.metrics.TunnelOpened()
	t.up, t.down, err = CopyBidirectional(r.Context(), client, upstream)
	s.metrics.TunnelClosed(t.up, t.down)
	s.closeTunnel(t, err)

	return http.StatusOK
}

// dialUpstream dials target while watching client, so a client that hangs
// up aborts the dial. hangup is then the client's read error. Bytes the
// client sends meanwhile stay buffered in br.
func (s *HTTPProxyServer) dialUpstream(ctx context.Context, client net.Conn, br *bufio.Reader, target string) (upstream net.Conn, hangup, err error) {
	ctx, cancel := withTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	watched := make(chan error, 1)
	go func() {
		_, err := br.Peek(1)
		if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
			cancel()
		}
		watched <- err
	}()

	upstream, err = s.cfg.Dialer.DialContext(ctx, "tcp", target)

	// Stop the watcher before anything else reads from br.
	_ = client.SetReadDeadline(time.Unix(1, 0))
	peekErr := <-watched
	_ = client.SetReadDeadline(time.Time{})

	if err != nil && peekErr != nil && !errors.Is(peekErr, os.ErrDeadlineExceeded) {
		return nil, peekErr, err
	}
	return upstream, nil, err
}

// closeTunnel records the end of t, reached from state with err.
func (s *HTTPProxyServer) closeTunnel(t *tunnel, err error) {
	from := t.state
	t.state = closed

	attrs := []any{
		"target", t.target,
		"state", from,
		"bytes_up", t.up,
		"bytes_down", t.down,
		"duration", time.Since(t.start).Round(time.Millisecond),
	}

	switch {
	case err == nil || IsBenign(err):
		s.log.Debug("tunnel closed", attrs...)
	case from == accepted:
		var refused *dialer.ConnectError
		if errors.As(err, &refused) {
			attrs = append(attrs, "upstream_status", refused.StatusCode)
		}
		s.log.Warn("tunnel dial failed", append(attrs, "error", err)...)
	case s.sessions.Context().Err() != nil:
		s.log.Warn("tunnel force-closed", attrs...)
	default:
		s.log.Error("tunnel closed", append(attrs, "error", err)...)
	}
}

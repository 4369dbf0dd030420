package testutil

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
)

// StartEchoTCPServer starts a server that writes back everything it reads,
// on any number of connections.
func StartEchoTCPServer(ctx context.Context, t *testing.T) net.Listener {
	t.Helper()

	return StartTCPServer(ctx, t, func(c net.Conn) {
		_, _ = io.Copy(c, c)
	})
}

// StartSinkTCPServer starts a server that reads each connection to EOF and
// delivers the bytes it received on the returned channel.
func StartSinkTCPServer(ctx context.Context, t *testing.T) (net.Listener, <-chan []byte) {
	t.Helper()

	got := make(chan []byte, 16)
	ln := StartTCPServer(ctx, t, func(c net.Conn) {
		b, _ := io.ReadAll(c)
		select {
		case got <- b:
		default:
		}
	})
	return ln, got
}

// AssertEcho writes msg to w and expects to read it back from r.
func AssertEcho(t *testing.T, w io.Writer, r io.Reader, msg []byte) {
	t.Helper()

	if _, err := w.Write(msg); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, msg) {
		t.Fatalf("expected %q got %q", string(msg), string(buf))
	}
}

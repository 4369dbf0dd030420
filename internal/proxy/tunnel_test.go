package proxy

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/die-net/authproxy/internal/testutil"
)

func TestConnectTarget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		authority string
		want      string
		wantErr   bool
	}{
		{authority: "example.com:443", want: "example.com:443"},
		{authority: "example.com:8443", want: "example.com:8443"},
		{authority: "example.com", want: "example.com:443"},
		{authority: "[::1]:22", want: "[::1]:22"},
		{authority: "[::1]", want: "[::1]:443"},
		{authority: "[2001:db8::1]", want: "[2001:db8::1]:443"},
		{authority: "::1", want: "[::1]:443"},
		{authority: "[]", wantErr: true},
		{authority: "", wantErr: true},
		{authority: ":443", wantErr: true},
		{authority: "example.com:0", wantErr: true},
		{authority: "example.com:65536", wantErr: true},
		{authority: "example.com:https", wantErr: true},
		{authority: "example.com:", wantErr: true},
	}

	for _, tt := range tests {
		got, err := connectTarget(tt.authority)
		if (err != nil) != tt.wantErr {
			t.Errorf("connectTarget(%q) err=%v wantErr=%v", tt.authority, err, tt.wantErr)
			continue
		}
		if tt.wantErr {
			if AsError(err).Kind != BadTarget {
				t.Errorf("connectTarget(%q) kind=%v, want bad_target", tt.authority, AsError(err).Kind)
			}
			continue
		}
		if got != tt.want {
			t.Errorf("connectTarget(%q) = %q, want %q", tt.authority, got, tt.want)
		}
	}
}

func TestConnectDeliversBytes(t *testing.T) {
	t.Parallel()

	sink, got := testutil.StartSinkTCPServer(t.Context(), t)
	p := startProxy(t, testSettings())

	c, _, resp := connect(t, p.addr, sink.Addr().String(), "Authorization: "+bearer())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, want 200", resp.StatusCode)
	}

	want := []byte("arbitrary \x00\x01 bytes through the tunnel")
	if _, err := c.Write(want); err != nil {
		t.Fatal(err)
	}
	_ = c.Close()

	select {
	case b := <-got:
		if !bytes.Equal(b, want) {
			t.Fatalf("target received %q, want %q", b, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("target did not receive the bytes")
	}
}

func TestConnectForwardsPipelinedBytes(t *testing.T) {
	t.Parallel()

	sink, got := testutil.StartSinkTCPServer(t.Context(), t)
	p := startProxy(t, testSettings())

	d := net.Dialer{}
	c, err := d.DialContext(t.Context(), "tcp", p.addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	// Request and first payload bytes in one write, as clients that do not
	// wait for the 200 send them.
	target := sink.Addr().String()
	msg := "CONNECT " + target + " HTTP/1.1\r\nHost: " + target + "\r\nAuthorization: " + bearer() + "\r\n\r\nearly"
	if _, err := io.WriteString(c, msg); err != nil {
		t.Fatal(err)
	}

	head := make([]byte, len(connectEstablished))
	if _, err := io.ReadFull(c, head); err != nil {
		t.Fatal(err)
	}
	if string(head) != connectEstablished {
		t.Fatalf("got %q", head)
	}
	if _, err := io.WriteString(c, " late"); err != nil {
		t.Fatal(err)
	}
	_ = c.Close()

	select {
	case b := <-got:
		if string(b) != "early late" {
			t.Fatalf("target received %q", b)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("target did not receive the bytes")
	}
}

func TestConnectRelayFidelity(t *testing.T) {
	t.Parallel()

	const size = 64 << 10

	fromClient := make([]byte, size)
	fromTarget := make([]byte, size)
	_, _ = rand.Read(fromClient)
	_, _ = rand.Read(fromTarget)

	received := make(chan []byte, 1)
	target := testutil.StartTCPServer(t.Context(), t, func(c net.Conn) {
		var g errgroup.Group
		g.Go(func() error {
			_, err := c.Write(fromTarget)
			return err
		})
		buf := make([]byte, size)
		if _, err := io.ReadFull(c, buf); err == nil {
			received <- buf
		}
		_ = g.Wait()
	})

	p := startProxy(t, testSettings())
	c, br, resp := connect(t, p.addr, target.Addr().String(), "Authorization: "+bearer())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, want 200", resp.StatusCode)
	}

	var g errgroup.Group
	g.Go(func() error {
		_, err := c.Write(fromClient)
		return err
	})
	got := make([]byte, size)
	if _, err := io.ReadFull(br, got); err != nil {
		t.Fatal(err)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(got, fromTarget) {
		t.Fatal("client received bytes that differ from what the target sent")
	}
	select {
	case b := <-received:
		if !bytes.Equal(b, fromClient) {
			t.Fatal("target received bytes that differ from what the client sent")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("target did not receive the payload")
	}
}

func TestConnectDialFailureEndsStream(t *testing.T) {
	t.Parallel()

	p := startProxy(t, testSettings())
	c, br, resp := connect(t, p.addr, closedAddr(t), "Authorization: "+bearer())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, want 200", resp.StatusCode)
	}

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := br.Read(make([]byte, 1))
	if n != 0 || !IsBenign(err) || err == nil {
		t.Fatalf("read n=%d err=%v, want the stream to end", n, err)
	}
}

// stallingDialer never connects; it waits for its dial to be abandoned.
type stallingDialer struct {
	started chan struct{}
	aborted chan error
}

func (d *stallingDialer) DialContext(ctx context.Context, _, _ string) (net.Conn, error) {
	close(d.started)
	<-ctx.Done()
	d.aborted <- ctx.Err()
	return nil, ctx.Err()
}

func TestConnectClientHangupAbortsDial(t *testing.T) {
	t.Parallel()

	c := testSettings()
	c.RequestTimeout = time.Minute
	d := &stallingDialer{started: make(chan struct{}), aborted: make(chan error, 1)}
	p := startProxyDialer(t, c, d)

	conn, _, resp := connect(t, p.addr, "blackhole.example:443", "Authorization: "+bearer())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, want 200", resp.StatusCode)
	}

	select {
	case <-d.started:
	case <-time.After(2 * time.Second):
		t.Fatal("dial never started")
	}
	_ = conn.Close()

	select {
	case err := <-d.aborted:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("dial ended with %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dial still running after the client hung up")
	}
}

func TestConnectRejectsBadAuthority(t *testing.T) {
	t.Parallel()

	p := startProxy(t, testSettings())
	_, _, resp := connect(t, p.addr, "example.com:0", "Authorization: "+bearer())
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", resp.StatusCode)
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64))
	if string(body) != "bad target" {
		t.Fatalf("body %q", body)
	}
}

func TestConnectUnauthorizedNeverDials(t *testing.T) {
	t.Parallel()

	var accepted atomic.Int32
	target := testutil.StartTCPServer(t.Context(), t, func(net.Conn) {
		accepted.Add(1)
	})

	p := startProxy(t, testSettings())
	_, _, resp := connect(t, p.addr, target.Addr().String(), "Authorization: Bearer wrong")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatal(err)
	}
	if string(body) != "unauthorized" {
		t.Fatalf("body %q", body)
	}
	if n := accepted.Load(); n != 0 {
		t.Fatalf("target saw %d connections", n)
	}
}

func TestConnectDisabled(t *testing.T) {
	t.Parallel()

	c := testSettings()
	c.ConnectEnabled = false
	p := startProxy(t, c)

	_, _, resp := connect(t, p.addr, "example.com:443", "Authorization: "+bearer())
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, want 404", resp.StatusCode)
	}
}

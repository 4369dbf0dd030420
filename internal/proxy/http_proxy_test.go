package proxy

import (
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/die-net/authproxy/internal/config"
	"github.com/die-net/authproxy/internal/testutil"
)

func TestHTTPProxyUnauthorized(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		scheme    config.AuthScheme
		header    string
		value     string
		status    int
		challenge string
	}{
		{name: "bearer missing", scheme: config.Bearer, status: 401},
		{name: "bearer wrong", scheme: config.Bearer, header: "Authorization", value: "Bearer nope", status: 401},
		{name: "bearer prefix of token", scheme: config.Bearer, header: "Authorization", value: "Bearer " + testToken[:4], status: 401},
		{name: "bearer malformed", scheme: config.Bearer, header: "Authorization", value: testToken, status: 401},
		{name: "bearer sent as proxy basic", scheme: config.Bearer, header: "Proxy-Authorization", value: "Bearer " + testToken, status: 401},
		{name: "proxy basic missing", scheme: config.ProxyBasic, status: 407, challenge: `Basic realm="authproxy"`},
		{name: "proxy basic wrong user", scheme: config.ProxyBasic, header: "Proxy-Authorization", value: basic("someone", testToken), status: 407, challenge: `Basic realm="authproxy"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := testSettings()
			c.AuthScheme = tt.scheme
			p := startProxy(t, c)

			req := newRequest(t, http.MethodGet, "http://"+p.addr+"/", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			resp, body := do(t, directClient(t), req)

			if resp.StatusCode != tt.status {
				t.Errorf("status %d, want %d", resp.StatusCode, tt.status)
			}
			if body != "unauthorized" {
				t.Errorf("body %q, want unauthorized", body)
			}
			if got := resp.Header.Get("Proxy-Authenticate"); got != tt.challenge {
				t.Errorf("Proxy-Authenticate %q, want %q", got, tt.challenge)
			}
		})
	}
}

func basic(user, pass string) string {
	r := &http.Request{Header: http.Header{}}
	r.SetBasicAuth(user, pass)
	return r.Header.Get("Authorization")
}

func TestHTTPProxyProxyBasicAuthorized(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Proxy-Authorization") != "" {
			http.Error(w, "credential leaked", http.StatusTeapot)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	c := testSettings()
	c.AuthScheme = config.ProxyBasic
	p := startProxy(t, c)

	resp, body := do(t, p.client(t, c.AuthUser), newRequest(t, http.MethodGet, upstream.URL+"/", nil))
	if resp.StatusCode != http.StatusOK || body != "ok" {
		t.Fatalf("status %d body %q", resp.StatusCode, body)
	}
}

func TestHTTPProxyRoutes(t *testing.T) {
	t.Parallel()

	p := startProxy(t, testSettings())

	tests := []struct {
		name   string
		method string
		path   string
		status int
		body   string
	}{
		{name: "unknown path", method: http.MethodGet, path: "/favicon.ico", status: 404, body: "nothing to see here"},
		{name: "missing url parameter", method: http.MethodGet, path: "/", status: 400, body: "bad target"},
		{name: "bad url parameter", method: http.MethodGet, path: "/?url=" + url.QueryEscape("file:///etc/passwd"), status: 400, body: "bad target"},
		{name: "head unknown path", method: http.MethodHead, path: "/nope", status: 404},
	}

	for _, tt := range tests {
		req := newRequest(t, tt.method, "http://"+p.addr+tt.path, nil)
		req.Header.Set("Authorization", bearer())
		resp, body := do(t, directClient(t), req)

		if resp.StatusCode != tt.status {
			t.Errorf("%s: status %d, want %d", tt.name, resp.StatusCode, tt.status)
		}
		if body != tt.body {
			t.Errorf("%s: body %q, want %q", tt.name, body, tt.body)
		}
	}
}

func TestHTTPProxyHead(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1234")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	p := startProxy(t, testSettings())
	req := newRequest(t, http.MethodHead, upstream.URL+"/", nil)
	req.Header.Set("Authorization", bearer())
	resp, body := do(t, p.client(t, ""), req)

	if resp.StatusCode != http.StatusOK || body != "" {
		t.Fatalf("status %d body %q", resp.StatusCode, body)
	}
	if resp.ContentLength != 1234 {
		t.Fatalf("content length %d, want 1234", resp.ContentLength)
	}
}

func TestShutdownDrainsTunnel(t *testing.T) {
	t.Parallel()

	echo := testutil.StartEchoTCPServer(t.Context(), t)
	c := testSettings()
	c.ShutdownGrace = 5 * time.Second
	p := startProxy(t, c)

	conn, br, resp := connect(t, p.addr, echo.Addr().String(), "Authorization: "+bearer())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	testutil.AssertEcho(t, conn, br, []byte("before"))

	p.sessions.Shutdown()
	waitRefused(t, p.addr)

	// The established tunnel keeps working inside the grace period.
	testutil.AssertEcho(t, conn, br, []byte("during"))

	select {
	case <-p.sessions.Done():
		t.Fatal("shutdown finished while a tunnel was active")
	default:
	}

	_ = conn.Close()
	select {
	case <-p.sessions.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not finish after the tunnel closed")
	}
}

func TestShutdownForcesAfterGrace(t *testing.T) {
	t.Parallel()

	echo := testutil.StartEchoTCPServer(t.Context(), t)
	c := testSettings()
	c.ShutdownGrace = 200 * time.Millisecond
	p := startProxy(t, c)

	conn, br, resp := connect(t, p.addr, echo.Addr().String(), "Authorization: "+bearer())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	testutil.AssertEcho(t, conn, br, []byte("hi"))

	start := time.Now()
	p.sessions.Shutdown()

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := br.Read(make([]byte, 1)); !IsBenign(err) || err == nil {
		t.Fatalf("read err=%v, want the tunnel to be closed", err)
	}

	select {
	case <-p.sessions.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not finish")
	}
	if elapsed := time.Since(start); elapsed > c.ShutdownGrace+time.Second {
		t.Fatalf("shutdown took %v", elapsed)
	}
}

func TestShutdownLetsPlainRequestFinish(t *testing.T) {
	t.Parallel()

	arrived := make(chan struct{})
	proceed := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(arrived)
		<-proceed
		_, _ = w.Write([]byte("finished"))
	}))
	defer upstream.Close()

	p := startProxy(t, testSettings())

	type result struct {
		status int
		body   string
		err    error
	}
	done := make(chan result, 1)
	client := p.client(t, "")
	go func() {
		req, err := http.NewRequest(http.MethodGet, upstream.URL+"/slow", nil)
		if err != nil {
			done <- result{err: err}
			return
		}
		req.Header.Set("Authorization", bearer())
		resp, err := client.Do(req)
		if err != nil {
			done <- result{err: err}
			return
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		done <- result{status: resp.StatusCode, body: string(b), err: err}
	}()

	<-arrived
	p.sessions.Shutdown()
	waitRefused(t, p.addr)
	close(proceed)

	res := <-done
	if res.err != nil {
		t.Fatal(res.err)
	}
	if res.status != http.StatusOK || res.body != "finished" {
		t.Fatalf("status %d body %q", res.status, res.body)
	}

	select {
	case <-p.sessions.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not finish")
	}
}

// waitRefused waits until addr stops accepting connections.
func waitRefused(t *testing.T, addr string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		d := net.Dialer{Timeout: 100 * time.Millisecond}
		c, err := d.DialContext(t.Context(), "tcp", addr)
		if err != nil {
			var opErr *net.OpError
			if errors.As(err, &opErr) {
				return
			}
			t.Fatal(err)
		}
		_ = c.Close()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s still accepts connections", addr)
}

package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/die-net/authproxy/internal/auth"
	"github.com/die-net/authproxy/internal/metrics"
	"github.com/die-net/authproxy/internal/shutdown"
)

// NotFoundBody answers requests that match no route.
const NotFoundBody = "nothing to see here"

// HTTPProxyServer serves the authenticated forward proxy.
//
// Every request is authenticated first. CONNECT requests become byte tunnels
// (via connection hijacking + bidirectional copy); everything else is
// forwarded as a parsed round trip by a Forwarder.
type HTTPProxyServer struct {
	cfg      Config
	gate     *auth.Gate
	forward  *Forwarder
	log      *slog.Logger
	metrics  *metrics.Metrics
	sessions *shutdown.Coordinator
	srv      *http.Server
}

// NewHTTPProxyServer constructs an HTTP proxy server with the given config.
//
// The server registers itself with cfg.Sessions, so shutting the coordinator
// down stops it. Serve starts accepting connections on a listener.
func NewHTTPProxyServer(cfg Config) *HTTPProxyServer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Gate == nil {
		cfg.Gate = auth.NewGate(cfg.Config, cfg.Logger)
	}
	if cfg.Sessions == nil {
		cfg.Sessions = shutdown.New(cfg.ShutdownGrace, cfg.Logger)
	}

	h := &HTTPProxyServer{
		cfg:      cfg,
		gate:     cfg.Gate,
		forward:  NewForwarder(cfg),
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		sessions: cfg.Sessions,
	}
	h.srv = &http.Server{
		Handler:           http.HandlerFunc(h.handle),
		ReadHeaderTimeout: cfg.NegotiationTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		BaseContext: func(net.Listener) context.Context {
			return h.sessions.Context()
		},
		ErrorLog: slog.NewLogLogger(cfg.Logger.Handler(), slog.LevelDebug),
	}
	h.sessions.OnStop(h.Shutdown)
	return h
}

// Serve serves HTTP proxy requests on ln.
func (s *HTTPProxyServer) Serve(ln net.Listener) error {
	return s.srv.Serve(ln)
}

// Close stops the HTTP server immediately. Hijacked tunnels end when the
// session context is canceled.
func (s *HTTPProxyServer) Close() error {
	err := s.srv.Close()
	s.forward.CloseIdleConnections()
	return err
}

// Shutdown stops accepting connections and waits for active plain requests.
// If ctx ends first, remaining connections are closed.
func (s *HTTPProxyServer) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	if ctx.Err() != nil {
		_ = s.srv.Close()
	}
	s.forward.CloseIdleConnections()
	return err
}

func (s *HTTPProxyServer) handle(w http.ResponseWriter, r *http.Request) {
	release := s.sessions.Track()
	defer release()

	start := time.Now()
	connect := strings.EqualFold(r.Method, http.MethodConnect)
	kind, target := "plain", ""
	if connect {
		kind, target = "tunnel", r.Host
	}

	res := s.gate.Check(r, target)
	s.metrics.Auth(res.String())
	if res != auth.Authorized {
		code := s.gate.Reject(w)
		s.metrics.Request(kind, code, time.Since(start))
		return
	}

	var code int
	switch {
	case connect && s.cfg.ConnectEnabled:
		code = s.handleConnect(w, r)
	case connect:
		code = writeText(w, http.StatusNotFound, NotFoundBody)
	default:
		code = s.handlePlain(w, r)
	}
	s.metrics.Request(kind, code, time.Since(start))
}

func (s *HTTPProxyServer) handlePlain(w http.ResponseWriter, r *http.Request) int {
	start := time.Now()

	target, err := s.forward.Target(r)
	if errors.Is(err, errNoRoute) {
		return writeText(w, http.StatusNotFound, NotFoundBody)
	}
	if err != nil {
		return s.writeError(w, r, err)
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.BodyLimit)
	resp, err := s.forward.Forward(r.Context(), r, target)
	if err != nil {
		return s.writeError(w, r, err)
	}

	for k, v := range resp.Header {
		w.Header()[k] = v
	}
	// A nil value stops net/http from sniffing or stamping its own.
	for _, k := range []string{"Content-Type", "Date"} {
		if _, ok := resp.Header[k]; !ok {
			w.Header()[k] = nil
		}
	}
	if bodyAllowed(resp.StatusCode) && r.Method != http.MethodHead {
		w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	}
	w.WriteHeader(resp.StatusCode)
	if r.Method != http.MethodHead {
		_, _ = w.Write(resp.Body)
	}

	s.log.Info("forward",
		"method", r.Method,
		"host", target.Host,
		"status", resp.StatusCode,
		"bytes", len(resp.Body),
		"duration", time.Since(start).Round(time.Millisecond))
	return resp.StatusCode
}

// writeError answers with the status and fixed body for err. The detail goes
// to the log only.
func (s *HTTPProxyServer) writeError(w http.ResponseWriter, r *http.Request, err error) int {
	pe := AsError(err)
	code := pe.Status()

	s.metrics.Error(pe.Kind.String())
	level := slog.LevelWarn
	if pe.Kind == Internal {
		level = slog.LevelError
	}
	s.log.Log(r.Context(), level, "request failed",
		"peer", r.RemoteAddr,
		"method", r.Method,
		"kind", pe.Kind,
		"status", code,
		"error", pe.Err)

	return writeText(w, code, pe.Message())
}

func writeText(w http.ResponseWriter, code int, body string) int {
	h := w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
	return code
}

func bodyAllowed(code int) bool {
	return code >= 200 && code != http.StatusNoContent && code != http.StatusNotModified
}

// Package auth decides whether a caller may use the proxy.
//
// The caller presents the configured secret either as a bearer token or as
// the password of HTTP proxy basic authentication. Comparison is constant
// time in both the content and the length of the presented value.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"

	"github.com/die-net/authproxy/internal/config"
)

// Result is the outcome of an authentication attempt.
type Result int

const (
	Unauthorized Result = iota
	Authorized
)

func (r Result) String() string {
	if r == Authorized {
		return "authorized"
	}
	return "unauthorized"
}

// UnauthorizedBody is the fixed response body for rejected callers.
const UnauthorizedBody = "unauthorized"

const realm = `Basic realm="authproxy"`

// Gate checks presented credentials against the configured secret.
type Gate struct {
	scheme config.AuthScheme
	user   [sha256.Size]byte
	token  [sha256.Size]byte
	log    *slog.Logger
}

// NewGate returns a Gate for the auth settings in cfg.
func NewGate(cfg *config.Config, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		scheme: cfg.AuthScheme,
		user:   sha256.Sum256([]byte(cfg.AuthUser)),
		token:  sha256.Sum256([]byte(cfg.AuthToken)),
		log:    logger,
	}
}

// Scheme returns the credential scheme the gate accepts.
func (g *Gate) Scheme() config.AuthScheme {
	return g.scheme
}

// Header returns the request header that carries the credential.
func (g *Gate) Header() string {
	if g.scheme == config.ProxyBasic {
		return "Proxy-Authorization"
	}
	return "Authorization"
}

// Authenticate compares a presented token with the configured one. An absent
// token is never authorized.
func (g *Gate) Authenticate(token string, present bool) Result {
	return compare(g.token, token, present)
}

// Check extracts the credential from r, authenticates it, and logs the
// decision. target names the CONNECT authority, if any, for the log.
func (g *Gate) Check(r *http.Request, target string) Result {
	var res Result
	switch g.scheme {
	case config.ProxyBasic:
		user, pass, ok := parseBasic(r.Header.Get("Proxy-Authorization"))
		userOK := compare(g.user, user, ok)
		res = g.Authenticate(pass, ok)
		if userOK != Authorized {
			res = Unauthorized
		}
	default:
		token, ok := parseBearer(r.Header.Get("Authorization"))
		res = g.Authenticate(token, ok)
	}

	if res == Authorized {
		g.log.Debug("auth", "peer", r.RemoteAddr, "decision", res)
	} else {
		attrs := []any{"peer", r.RemoteAddr, "decision", res, "method", r.Method}
		if target != "" {
			attrs = append(attrs, "target", target)
		}
		g.log.Warn("unauthorized access attempt", attrs...)
	}
	return res
}

// Strip removes the credential header from h so it is never sent upstream.
func (g *Gate) Strip(h http.Header) {
	h.Del(g.Header())
}

// Reject writes the response for an unauthorized request. Proxy basic auth
// answers 407 with a challenge, so standard proxy clients retry with
// credentials; bearer auth answers 401.
func (g *Gate) Reject(w http.ResponseWriter) int {
	code := http.StatusUnauthorized
	if g.scheme == config.ProxyBasic {
		code = http.StatusProxyAuthRequired
		w.Header().Set("Proxy-Authenticate", realm)
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Connection", "close")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(UnauthorizedBody))
	return code
}

// compare hashes the presented value so that neither its content nor its
// length changes how long the comparison takes.
func compare(want [sha256.Size]byte, got string, present bool) Result {
	sum := sha256.Sum256([]byte(got))
	eq := subtle.ConstantTimeCompare(want[:], sum[:])
	if eq == 1 && present {
		return Authorized
	}
	return Unauthorized
}

func parseBearer(h string) (string, bool) {
	const prefix = "Bearer "
	if len(h) < len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(h[len(prefix):])
	return token, token != ""
}

// parseBasic parses "Basic base64(user:pass)"; the scheme name is case
// insensitive.
func parseBasic(h string) (user, pass string, ok bool) {
	const prefix = "Basic "
	if len(h) < len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", "", false
	}
	c, err := base64.StdEncoding.DecodeString(strings.TrimSpace(h[len(prefix):]))
	if err != nil {
		return "", "", false
	}
	return strings.Cut(string(c), ":")
}

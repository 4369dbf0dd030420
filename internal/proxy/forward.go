package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/die-net/authproxy/internal/auth"
	"github.com/die-net/authproxy/internal/config"
	"github.com/die-net/authproxy/internal/dialer"
	"github.com/die-net/authproxy/internal/header"
)

// errNoRoute means the request names no target the proxy serves.
var errNoRoute = errors.New("no route")

var errResponseTooLarge = errors.New("upstream response exceeds body limit")

// credentialHeaders are never replayed to a different host on redirect.
var credentialHeaders = []string{"Authorization", "Proxy-Authorization", "Cookie"}

// Response is an upstream response read in full.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Forwarder performs plain (non-CONNECT) requests against their target.
type Forwarder struct {
	cfg    *config.Config
	gate   *auth.Gate
	client *http.Client
}

// NewForwarder returns a Forwarder that reaches origins through cfg.Dialer.
func NewForwarder(cfg Config) *Forwarder {
	return &Forwarder{
		cfg:  cfg.Config,
		gate: cfg.Gate,
		client: &http.Client{
			Transport:     newTransport(cfg),
			CheckRedirect: redirectPolicy(cfg.RedirectLimit),
		},
	}
}

// Target resolves the upstream URL of a plain request: the absolute request
// URI, or the "url" query parameter of a request for "/", as allowed by the
// configured target mode. It returns errNoRoute when neither applies.
func (f *Forwarder) Target(r *http.Request) (*url.URL, error) {
	mode := f.cfg.TargetMode

	if r.URL.IsAbs() {
		if !mode.AllowsURI() {
			return nil, errNoRoute
		}
		return checkTarget(r.URL)
	}

	if !mode.AllowsParam() || (r.URL.Path != "/" && r.URL.Path != "") {
		return nil, errNoRoute
	}

	raw := r.URL.Query().Get("url")
	if raw == "" {
		return nil, &Error{Kind: BadTarget, Err: errors.New("missing url parameter")}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, &Error{Kind: BadTarget, Err: err}
	}
	return checkTarget(u)
}

func checkTarget(u *url.URL) (*url.URL, error) {
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &Error{Kind: BadTarget, Err: errors.New("target scheme must be http or https")}
	}
	if u.Hostname() == "" {
		return nil, &Error{Kind: BadTarget, Err: errors.New("target has no host")}
	}
	out := *u
	out.User = nil
	return &out, nil
}

// Forward sends r to target and reads the whole response. r.Body is read up
// to the body limit before anything is sent upstream. The call is bounded by
// the request timeout and aborted when ctx ends.
func (f *Forwarder) Forward(ctx context.Context, r *http.Request, target *url.URL) (*Response, error) {
	limit := f.cfg.BodyLimit

	body, err := readLimited(r.Body, limit)
	if err != nil {
		if errors.Is(err, errResponseTooLarge) {
			return nil, &Error{Kind: BodyTooLarge, Err: &http.MaxBytesError{Limit: limit}}
		}
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, &Error{Kind: BodyTooLarge, Err: err}
		}
		return nil, &Error{Kind: Internal, Err: err}
	}

	ctx, cancel := withTimeout(ctx, f.cfg.RequestTimeout)
	defer cancel()

	var rb io.Reader
	if len(body) > 0 {
		rb = bytes.NewReader(body)
	}
	out, err := http.NewRequestWithContext(ctx, r.Method, target.String(), rb)
	if err != nil {
		return nil, &Error{Kind: BadTarget, Err: err}
	}
	out.Header = header.Sanitize(header.OutboundRequest, r.Header, f.cfg.UserAgent)
	f.gate.Strip(out.Header)

	resp, err := f.client.Do(out)
	if err != nil {
		return nil, &Error{Kind: UpstreamUnreachable, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := readLimited(resp.Body, limit)
	if err != nil {
		if errors.Is(err, errResponseTooLarge) {
			return nil, &Error{Kind: BodyTooLarge, Err: err}
		}
		return nil, &Error{Kind: UpstreamUnreachable, Err: err}
	}

	h := header.Sanitize(header.InboundResponse, resp.Header, "")
	if r.Method != http.MethodHead {
		h.Del("Content-Length")
	}

	return &Response{StatusCode: resp.StatusCode, Header: h, Body: respBody}, nil
}

// CloseIdleConnections closes pooled upstream connections.
func (f *Forwarder) CloseIdleConnections() {
	f.client.CloseIdleConnections()
}

// readLimited reads r to EOF. More than limit bytes is errResponseTooLarge.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, errResponseTooLarge
	}
	return b, nil
}

// redirectPolicy follows at most limit redirects and drops credentials when a
// hop leaves the original host.
func redirectPolicy(limit int) func(*http.Request, []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) > limit {
			return http.ErrUseLastResponse
		}
		if req.URL.Host != via[0].URL.Host {
			for _, h := range credentialHeaders {
				req.Header.Del(h)
			}
		}
		return nil
	}
}

func newTransport(cfg Config) http.RoundTripper {
	t := &http.Transport{
		DialContext:         cfg.Dialer.DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        2048,
		MaxIdleConnsPerHost: 1024,
		IdleConnTimeout:     cfg.HTTPIdleTimeout,
		TLSHandshakeTimeout: cfg.NegotiationTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			ClientSessionCache: tls.NewLRUClientSessionCache(0),
		},
	}

	// An HTTP upstream proxy gets absolute-form requests for plain http
	// targets rather than a CONNECT per origin.
	if up, ok := cfg.Dialer.(*dialer.HTTPProxyDialer); ok {
		t.Proxy = http.ProxyURL(up.ProxyURL())
		// When using Transport.Proxy, DialContext is used to connect to the proxy itself.
		t.DialContext = up.Direct().DialContext
	}

	return t
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

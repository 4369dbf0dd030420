// Package config holds the process-wide proxy settings.
//
// A Config is filled in once at startup from flags, the environment and an
// optional dotenv file, validated, and then shared read-only by every
// connection handler.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"
)

// DefaultUserAgent is sent upstream when no user agent is configured.
const DefaultUserAgent = "Instagram 310.0.0.37.328 Android (31/12; 440dpi; 1080x2180; Xiaomi; M2007J3SG; apollo; qcom; de_DE; 543594164)"

// Config is the immutable proxy configuration.
type Config struct {
	ListenHost string
	Port       int

	AuthToken  string
	AuthScheme AuthScheme
	AuthUser   string

	UserAgent      string
	TargetMode     TargetMode
	ConnectEnabled bool

	BodyLimit      int64
	ShutdownGrace  time.Duration
	RedirectLimit  int
	RequestTimeout time.Duration

	DialTimeout        time.Duration
	NegotiationTimeout time.Duration
	HTTPIdleTimeout    time.Duration
	KeepAlive          net.KeepAliveConfig

	Upstream          string
	SSHKeyPath        string
	SSHKnownHostsPath string

	DebugListen string
	LogLevel    slog.Level
	Verbose     bool
}

// Default returns a Config with every optional setting at its default. The
// auth token is left empty and must be supplied.
func Default() Config {
	return Config{
		ListenHost:         "0.0.0.0",
		Port:               7788,
		AuthScheme:         Bearer,
		AuthUser:           "proxy",
		UserAgent:          DefaultUserAgent,
		TargetMode:         TargetBoth,
		ConnectEnabled:     true,
		BodyLimit:          2 << 20,
		ShutdownGrace:      30 * time.Second,
		RequestTimeout:     30 * time.Second,
		DialTimeout:        10 * time.Second,
		NegotiationTimeout: 10 * time.Second,
		HTTPIdleTimeout:    4 * time.Minute,
		KeepAlive: net.KeepAliveConfig{
			Enable:   true,
			Idle:     45 * time.Second,
			Interval: 45 * time.Second,
			Count:    3,
		},
		Upstream: "direct://",
		LogLevel: slog.LevelInfo,
	}
}

// ListenAddr returns the host:port the proxy listens on.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.ListenHost, strconv.Itoa(c.Port))
}

// Validate reports configuration errors that prevent the proxy from starting.
func (c *Config) Validate() error {
	if c.AuthToken == "" {
		return errors.New("missing auth token (set --auth-token or AUTH_TOKEN)")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	switch c.AuthScheme {
	case Bearer, ProxyBasic:
	default:
		return fmt.Errorf("invalid auth scheme %q", c.AuthScheme)
	}
	if c.AuthScheme == ProxyBasic && c.AuthUser == "" {
		return errors.New("proxy-basic auth requires a user name")
	}
	switch c.TargetMode {
	case TargetURI, TargetParam, TargetBoth:
	default:
		return fmt.Errorf("invalid target mode %q", c.TargetMode)
	}
	if c.BodyLimit <= 0 {
		return errors.New("body limit must be > 0")
	}
	if c.RedirectLimit < 0 {
		return errors.New("redirect limit must be >= 0")
	}
	if c.ShutdownGrace < 0 || c.RequestTimeout < 0 || c.DialTimeout < 0 {
		return errors.New("timeouts must be >= 0")
	}
	return nil
}

// AuthScheme selects where the caller's credential is read from.
type AuthScheme string

const (
	// Bearer reads "Authorization: Bearer <token>".
	Bearer AuthScheme = "bearer"
	// ProxyBasic reads "Proxy-Authorization: Basic base64(user:token)".
	ProxyBasic AuthScheme = "proxy-basic"
)

func (s *AuthScheme) String() string { return string(*s) }

func (s *AuthScheme) Set(v string) error {
	switch AuthScheme(v) {
	case Bearer, ProxyBasic:
		*s = AuthScheme(v)
		return nil
	default:
		return fmt.Errorf("expected %s|%s", Bearer, ProxyBasic)
	}
}

func (s *AuthScheme) Type() string { return "scheme" }

// TargetMode selects how a plain (non-CONNECT) request names its target.
type TargetMode string

const (
	// TargetURI forwards absolute-form request URIs, as a classic forward proxy.
	TargetURI TargetMode = "uri"
	// TargetParam fetches the absolute URL given in the "url" query parameter.
	TargetParam TargetMode = "param"
	// TargetBoth accepts either form.
	TargetBoth TargetMode = "both"
)

// AllowsURI reports whether absolute-form request URIs are forwarded.
func (m TargetMode) AllowsURI() bool { return m == TargetURI || m == TargetBoth }

// AllowsParam reports whether the "url" query parameter is honored.
func (m TargetMode) AllowsParam() bool { return m == TargetParam || m == TargetBoth }

func (m *TargetMode) String() string { return string(*m) }

func (m *TargetMode) Set(v string) error {
	switch TargetMode(v) {
	case TargetURI, TargetParam, TargetBoth:
		*m = TargetMode(v)
		return nil
	default:
		return fmt.Errorf("expected %s|%s|%s", TargetURI, TargetParam, TargetBoth)
	}
}

func (m *TargetMode) Type() string { return "mode" }

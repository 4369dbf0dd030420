package proxy

import (
	"log/slog"

	"github.com/die-net/authproxy/internal/auth"
	"github.com/die-net/authproxy/internal/config"
	"github.com/die-net/authproxy/internal/dialer"
	"github.com/die-net/authproxy/internal/metrics"
	"github.com/die-net/authproxy/internal/shutdown"
)

// Config wires a proxy server to its settings and collaborators. The embedded
// settings are shared read-only by every handler.
type Config struct {
	*config.Config

	// Dialer reaches CONNECT targets and plain-forward origins.
	Dialer dialer.Dialer

	// Gate authenticates callers. Built from the settings if nil.
	Gate *auth.Gate

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Sessions tracks in-flight requests and tunnels. Built from
	// ShutdownGrace if nil.
	Sessions *shutdown.Coordinator
}

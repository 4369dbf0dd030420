// Package metrics exposes Prometheus collectors for the proxy.
//
// All methods are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const Namespace = "authproxy"

// Metrics records auth decisions, request outcomes and tunnel traffic.
type Metrics struct {
	authTotal       *prometheus.CounterVec
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	errorsTotal     *prometheus.CounterVec
	tunnelBytes     *prometheus.CounterVec
	tunnelsActive   prometheus.Gauge
	connsAccepted   prometheus.Counter
}

// New registers the collectors with r. A nil r uses a private registry that
// is discarded.
func New(r prometheus.Registerer) *Metrics {
	if r == nil {
		r = prometheus.NewRegistry()
	}
	f := promauto.With(r)

	return &Metrics{
		authTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "auth_total",
			Help:      "Authentication decisions by result.",
		}, []string{"result"}),
		requestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "requests_total",
			Help:      "Requests handled, by route kind and response code.",
		}, []string{"kind", "code"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from request start to response or tunnel close.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 10),
		}, []string{"kind"}),
		errorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "errors_total",
			Help:      "Proxy errors by kind.",
		}, []string{"kind"}),
		tunnelBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "tunnel_bytes_total",
			Help:      "Bytes relayed through CONNECT tunnels.",
		}, []string{"direction"}),
		tunnelsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "tunnels_active",
			Help:      "CONNECT tunnels currently relaying.",
		}),
		connsAccepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "connections_accepted_total",
			Help:      "Client TCP connections accepted by the proxy listener.",
		}),
	}
}

func (m *Metrics) Auth(result string) {
	if m == nil {
		return
	}
	m.authTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) Request(kind string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(kind, strconv.Itoa(code)).Inc()
	m.requestDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (m *Metrics) Error(kind string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) TunnelOpened() {
	if m == nil {
		return
	}
	m.tunnelsActive.Inc()
}

// TunnelClosed records the bytes a finished tunnel relayed in each direction.
func (m *Metrics) TunnelClosed(upstream, downstream int64) {
	if m == nil {
		return
	}
	m.tunnelsActive.Dec()
	m.tunnelBytes.WithLabelValues("upstream").Add(float64(upstream))
	m.tunnelBytes.WithLabelValues("downstream").Add(float64(downstream))
}

func (m *Metrics) Accepted() {
	if m == nil {
		return
	}
	m.connsAccepted.Inc()
}

package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gardensync_relay"

// metrics is registered on a per-server registry so several relays can
// coexist in one process (tests).
type metrics struct {
	registry *prometheus.Registry

	sessions       prometheus.Gauge
	peers          prometheus.Gauge
	connections    prometheus.Counter
	joins          prometheus.Counter
	signalsRelayed prometheus.Counter
	signalsDropped prometheus.Counter
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Number of sessions with at least one member.",
		}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Number of peers registered in a session.",
		}),
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "WebSocket connections accepted.",
		}),
		joins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "joins_total",
			Help:      "Successful join_session requests.",
		}),
		signalsRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_relayed_total",
			Help:      "Signal frames forwarded to their target.",
		}),
		signalsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_dropped_total",
			Help:      "Signal frames dropped because the target is unknown.",
		}),
	}

	m.registry.MustRegister(
		m.sessions,
		m.peers,
		m.connections,
		m.joins,
		m.signalsRelayed,
		m.signalsDropped,
	)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

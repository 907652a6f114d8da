// Package metrics exposes relay-service activity to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ambengineeringsystem-gif/selfie-2/pkg/relay"
)

// Metrics implements relay.Observer and counts websocket clients.
type Metrics struct {
	registry *prometheus.Registry

	ConnectedClients    prometheus.Gauge
	OpsTotal            *prometheus.CounterVec
	ActiveSubscriptions prometheus.Gauge
	DroppedFrames       prometheus.Counter
}

var _ relay.Observer = (*Metrics)(nil)

// New registers the relay collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ConnectedClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connected_clients",
			Help: "Websocket clients currently attached to the relay",
		}),
		OpsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_ops_total",
			Help: "Relay operations by op and result",
		}, []string{"op", "result"}),
		ActiveSubscriptions: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_subscriptions",
			Help: "Live subscriptions across all clients",
		}),
		DroppedFrames: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_dropped_frames_total",
			Help: "Frames dropped because a client's send buffer was full",
		}),
	}
}

func (m *Metrics) ObserveOp(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.OpsTotal.WithLabelValues(op, result).Inc()
}

func (m *Metrics) SubscriptionOpened() { m.ActiveSubscriptions.Inc() }
func (m *Metrics) SubscriptionClosed() { m.ActiveSubscriptions.Dec() }

func (m *Metrics) ClientConnected()    { m.ConnectedClients.Inc() }
func (m *Metrics) ClientDisconnected() { m.ConnectedClients.Dec() }
func (m *Metrics) FrameDropped()       { m.DroppedFrames.Inc() }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	connections prometheus.Gauge
	frames      *prometheus.CounterVec
	rejects     *prometheus.CounterVec
	dropped     prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &metrics{
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "undertow_ws_connections",
			Help: "Live client WebSocket connections.",
		}),
		frames: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "undertow_ws_frames_total",
			Help: "Client frames processed, by type.",
		}, []string{"type"}),
		rejects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "undertow_ws_rejects_total",
			Help: "Rejected handshakes, by reason.",
		}, []string{"reason"}),
		dropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "undertow_ws_dropped_frames_total",
			Help: "Outbound frames dropped on full send queues.",
		}),
	}
}

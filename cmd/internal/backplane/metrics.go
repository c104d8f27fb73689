package backplane

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the backplane's instrumentation. Label "kind" is user or
// client; label "type" is the node-to-node message type.
type metrics struct {
	online  *prometheus.CounterVec
	offline *prometheus.CounterVec

	relayed   *prometheus.CounterVec
	relayFail prometheus.Counter

	linksOpened prometheus.Counter
	linksCulled prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &metrics{
		online: f.NewCounterVec(prometheus.CounterOpts{
			Name: "undertow_presence_online_total",
			Help: "Online transitions observed by this node.",
		}, []string{"kind"}),
		offline: f.NewCounterVec(prometheus.CounterOpts{
			Name: "undertow_presence_offline_total",
			Help: "Offline transitions observed by this node.",
		}, []string{"kind"}),
		relayed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "undertow_relay_messages_total",
			Help: "Messages relayed to peer nodes.",
		}, []string{"type"}),
		relayFail: f.NewCounter(prometheus.CounterOpts{
			Name: "undertow_relay_failures_total",
			Help: "Messages that could not be handed to a peer node.",
		}),
		linksOpened: f.NewCounter(prometheus.CounterOpts{
			Name: "undertow_links_opened_total",
			Help: "Signaling links opened through this node.",
		}),
		linksCulled: f.NewCounter(prometheus.CounterOpts{
			Name: "undertow_links_culled_total",
			Help: "Signaling links culled by this node.",
		}),
	}
}

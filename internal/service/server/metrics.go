package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	conns     prometheus.Gauge
	joins     prometheus.Counter
	messages  prometheus.Counter
	rotations prometheus.Counter
	kicks     prometheus.Counter
	rejected  *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		conns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "e2e_chat",
			Name:      "connections",
			Help:      "Number of open websocket connections",
		}),
		joins: f.NewCounter(prometheus.CounterOpts{
			Namespace: "e2e_chat",
			Name:      "room_joins_total",
			Help:      "Number of accepted joinRoom requests",
		}),
		messages: f.NewCounter(prometheus.CounterOpts{
			Namespace: "e2e_chat",
			Name:      "messages_relayed_total",
			Help:      "Number of chat messages stored and fanned out",
		}),
		rotations: f.NewCounter(prometheus.CounterOpts{
			Namespace: "e2e_chat",
			Name:      "key_rotations_total",
			Help:      "Number of room key versions accepted",
		}),
		kicks: f.NewCounter(prometheus.CounterOpts{
			Namespace: "e2e_chat",
			Name:      "kicks_total",
			Help:      "Number of members removed from rooms",
		}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "e2e_chat",
			Name:      "rejected_events_total",
			Help:      "Number of websocket events answered with an error",
		}, []string{"event"}),
	}
}

package server

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	registry *prometheus.Registry

	connections       prometheus.Gauge
	framesTotal       *prometheus.CounterVec
	broadcastsTotal   *prometheus.CounterVec
	droppedTotal      prometheus.Counter
	presenceTracked   prometheus.Gauge
	restBroadcasts    prometheus.Counter
	rejectedHandshake prometheus.Counter
}

func newMetrics(topics func() float64) *metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	f := promauto.With(reg)

	m := &metrics{
		registry: reg,
		connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "pulse_connections",
			Help: "Open websocket connections",
		}),
		framesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_frames_received_total",
			Help: "Frames received from clients by event",
		}, []string{"event"}),
		broadcastsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_broadcasts_total",
			Help: "Broadcasts fanned out by channel",
		}, []string{"channel"}),
		droppedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "pulse_frames_dropped_total",
			Help: "Outbound frames dropped because a client send queue was full",
		}),
		presenceTracked: f.NewGauge(prometheus.GaugeOpts{
			Name: "pulse_presence_tracked",
			Help: "Presence metas currently tracked across all channels",
		}),
		restBroadcasts: f.NewCounter(prometheus.CounterOpts{
			Name: "pulse_rest_broadcasts_total",
			Help: "Messages accepted through the REST broadcast endpoint",
		}),
		rejectedHandshake: f.NewCounter(prometheus.CounterOpts{
			Name: "pulse_handshakes_rejected_total",
			Help: "Websocket handshakes rejected for a bad api key",
		}),
	}
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "pulse_channels",
		Help: "Channels with at least one subscriber",
	}, topics)
	return m
}

// channelLabel keeps label cardinality bounded: per-user and per-entity
// channels collapse to their prefix.
func channelLabel(name string) string {
	prefix, _, _ := strings.Cut(name, ":")
	return prefix
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collab_connections",
		Help: "Live WebSocket connections.",
	})

	Rooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collab_rooms",
		Help: "Rooms with at least one member.",
	})

	Frames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_frames_total",
		Help: "Inbound frames by type. Unrecognized types count as unknown.",
	}, []string{"type"})

	Edits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_edits_total",
		Help: "Edit submissions by arbitration outcome.",
	}, []string{"outcome"})

	Reaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_reaped_connections_total",
		Help: "Connections closed by the idle reaper.",
	})
)

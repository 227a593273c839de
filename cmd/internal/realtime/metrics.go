package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vigil",
		Subsystem: "ws",
		Name:      "connections",
		Help:      "Open websocket connections.",
	})

	framesIn = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil",
		Subsystem: "ws",
		Name:      "frames_in_total",
		Help:      "Inbound frames by envelope type.",
	}, []string{"type"})

	rejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil",
		Subsystem: "ws",
		Name:      "rejects_total",
		Help:      "Connections closed by policy, by cause.",
	}, []string{"cause"})
)

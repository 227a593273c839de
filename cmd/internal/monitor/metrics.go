package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil",
		Subsystem: "monitor",
		Name:      "transitions_total",
		Help:      "Monitor state transitions, by target state.",
	}, []string{"to"})

	forcedLogouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil",
		Subsystem: "monitor",
		Name:      "forced_logouts_total",
		Help:      "Forced logouts emitted by monitors, by reason.",
	}, []string{"reason"})

	heartbeats = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil",
		Subsystem: "monitor",
		Name:      "heartbeats_total",
		Help:      "Heartbeats issued by monitors, by outcome.",
	}, []string{"outcome"})
)

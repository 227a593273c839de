package sweeper

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil",
		Subsystem: "sweeper",
		Name:      "runs_total",
		Help:      "Sweep passes, by outcome.",
	}, []string{"outcome"})

	sweepExpired = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil",
		Subsystem: "sweeper",
		Name:      "expired_total",
		Help:      "Sessions expired by the sweeper, by termination reason.",
	}, []string{"reason"})

	sweepLost = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vigil",
		Subsystem: "sweeper",
		Name:      "cas_lost_total",
		Help:      "Stale rows another caller deactivated first.",
	})

	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "vigil",
		Subsystem: "sweeper",
		Name:      "duration_seconds",
		Help:      "Duration of a full sweep pass.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
	})
)

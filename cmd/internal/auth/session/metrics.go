package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vigil",
		Subsystem: "session",
		Name:      "created_total",
		Help:      "Sessions created by the registrar.",
	})

	sessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil",
		Subsystem: "session",
		Name:      "ended_total",
		Help:      "Session rows deactivated by the registrar, by termination reason.",
	}, []string{"reason"})

	storeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil",
		Subsystem: "session",
		Name:      "store_errors_total",
		Help:      "Failed store calls, by operation.",
	}, []string{"op"})

	invariantRepairs = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vigil",
		Subsystem: "session",
		Name:      "invariant_repairs_total",
		Help:      "Duplicate active rows deactivated while reading session info.",
	})
)

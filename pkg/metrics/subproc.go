package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Subprocess-controller counters.
var (
	SubprocsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "remotecc",
		Subsystem: "subproc",
		Name:      "started_total",
		Help:      "Subprocesses actually spawned by the helper.",
	})

	SubprocsTerminated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "remotecc",
		Subsystem: "subproc",
		Name:      "terminated_total",
		Help:      "Subprocess terminations, by result (ok, error, not_started).",
	}, []string{"result"})

	SubprocsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "remotecc",
		Subsystem: "subproc",
		Name:      "pending",
		Help:      "Subprocess tasks registered but not yet finished.",
	})
)

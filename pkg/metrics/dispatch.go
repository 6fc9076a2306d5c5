package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Compile-flow counters.
var (
	Compiles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "remotecc",
		Subsystem: "dispatch",
		Name:      "compiles_total",
		Help:      "Compile invocations, by outcome (remote, cached, fallback, failed).",
	}, []string{"outcome"})

	ResultCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "remotecc",
		Subsystem: "dispatch",
		Name:      "result_cache_hits_total",
		Help:      "Compile results served from the local result cache.",
	})

	IncludeScanFiles = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "remotecc",
		Subsystem: "dispatch",
		Name:      "include_scan_files_total",
		Help:      "Header files physically read during include scans.",
	})

	IncludeGuardSkips = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "remotecc",
		Subsystem: "dispatch",
		Name:      "include_guard_skips_total",
		Help:      "Re-inclusions skipped via include guards.",
	})
)

// Package metrics exposes the dispatcher's Prometheus collectors,
// one file per subsystem.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RPC counters, fed by the HTTP client wiring in the dispatcher.
var (
	RPCQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "remotecc",
		Subsystem: "rpc",
		Name:      "queries_total",
		Help:      "RPC calls issued, by path.",
	}, []string{"path"})

	RPCErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "remotecc",
		Subsystem: "rpc",
		Name:      "errors_total",
		Help:      "RPC calls that finished with a non-OK status, by path.",
	}, []string{"path"})

	RPCRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "remotecc",
		Subsystem: "rpc",
		Name:      "retries_total",
		Help:      "Transport-level retries across all calls.",
	})

	RPCLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "remotecc",
		Subsystem: "rpc",
		Name:      "latency_seconds",
		Help:      "End-to-end RPC latency, by path.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"path"})
)

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Badger cache gauges for the on-disk result cache. Values are copied
// out of badger's internal ristretto counters whenever /statz is
// scraped, so they are sampled totals rather than live counters.
var (
	BadgerCacheHitRatio = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "remotecc",
		Subsystem: "result_cache",
		Name:      "badger_cache_hit_ratio",
		Help:      "Badger cache hit ratio (0.0 to 1.0) by cache type.",
	}, []string{"cache_type"})

	BadgerCacheHits = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "remotecc",
		Subsystem: "result_cache",
		Name:      "badger_cache_hits",
		Help:      "Badger cache hits to date by cache type.",
	}, []string{"cache_type"})

	BadgerCacheMisses = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "remotecc",
		Subsystem: "result_cache",
		Name:      "badger_cache_misses",
		Help:      "Badger cache misses to date by cache type.",
	}, []string{"cache_type"})
)

// SetBadgerCacheStats records one sample of badger's cache counters.
// cacheType is "block" or "index".
func SetBadgerCacheStats(cacheType string, hits, misses uint64) {
	BadgerCacheHits.WithLabelValues(cacheType).Set(float64(hits))
	BadgerCacheMisses.WithLabelValues(cacheType).Set(float64(misses))
	total := hits + misses
	if total > 0 {
		BadgerCacheHitRatio.WithLabelValues(cacheType).Set(float64(hits) / float64(total))
	}
}

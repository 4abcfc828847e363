package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// cacheHits tracks cache hits by tier.
	cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_cache_hits_total",
			Help: "Total number of cache hits by tier",
		},
		[]string{"tier"},
	)

	// cacheMisses tracks cache misses.
	cacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_cache_misses_total",
			Help: "Total number of cache misses",
		},
	)

	// cacheSize tracks current cache size in bytes by tier.
	cacheSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "proxy_cache_size_bytes",
			Help: "Current size of the cache in bytes by tier",
		},
		[]string{"tier"},
	)

	// cacheEvictions tracks LRU evictions by tier they were evicted from.
	cacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_cache_evictions_total",
			Help: "Total number of cache evictions by tier",
		},
		[]string{"tier"},
	)

	// cachePromotions tracks entry promotions by destination tier.
	cachePromotions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_cache_promotions_total",
			Help: "Total number of entries promoted to a hotter tier",
		},
		[]string{"tier"},
	)

	// cacheInvalidations tracks entries removed by pattern invalidation.
	cacheInvalidations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_cache_invalidations_total",
			Help: "Total number of entries removed by pattern invalidation",
		},
	)

	// cacheCompressionSaved tracks cumulative bytes saved by compression.
	cacheCompressionSaved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_cache_compression_saved_bytes_total",
			Help: "Cumulative bytes saved by payload compression",
		},
	)

	// cacheErrors tracks cache operation errors.
	cacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "compress", "decompress", "prefetch"
	)
)

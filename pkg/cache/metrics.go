package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	backendMemory = "memory"
	backendRedis  = "redis"
)

var (
	// CacheHits tracks fresh cache hits by backend
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_cache_hits_total",
			Help: "Total number of relay cache hits",
		},
		[]string{"backend"}, // "memory", "redis"
	)

	// CacheMisses tracks lookups that found no fresh entry by backend
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_cache_misses_total",
			Help: "Total number of relay cache misses",
		},
		[]string{"backend"},
	)

	// CacheEntries tracks the number of stored entries by backend
	CacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_cache_entries",
			Help: "Current number of relay cache entries",
		},
		[]string{"backend"},
	)

	// CacheEvictions tracks capacity evictions
	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_cache_evictions_total",
			Help: "Total number of entries evicted because the cache was full",
		},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "get", "put", "delete", "clear", "stats", "sweep"
	)
)

package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks store matches by backend
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shellcache_store_hits_total",
			Help: "Total number of cache store matches",
		},
		[]string{"backend"}, // "memory", "redis", "leveldb"
	)

	// CacheMisses tracks store lookups that found nothing
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shellcache_store_misses_total",
			Help: "Total number of cache store misses",
		},
		[]string{"backend"},
	)

	// CachePuts tracks successful writes
	CachePuts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shellcache_store_puts_total",
			Help: "Total number of responses written to a cache store",
		},
		[]string{"backend"},
	)

	// CacheBytesWritten tracks response body bytes written
	CacheBytesWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shellcache_store_bytes_written_total",
			Help: "Total response body bytes written to cache stores",
		},
		[]string{"backend"},
	)

	// CacheErrors tracks store operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shellcache_store_errors_total",
			Help: "Total number of cache store operation errors",
		},
		[]string{"backend", "operation"}, // "open", "match", "put", "delete", "delete_store", "keys"
	)
)

package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal tracks intercepted requests by strategy and response source
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shellcache_worker_requests_total",
			Help: "Total fetch events by strategy and response source",
		},
		[]string{"strategy", "source"}, // source: "cache", "network", "shell-fallback", "none"
	)

	// LifecycleTransitions tracks worker state changes
	LifecycleTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shellcache_worker_lifecycle_transitions_total",
			Help: "Total worker state transitions by target state",
		},
		[]string{"state"},
	)

	// StaleCachesDeleted tracks stores removed during activation
	StaleCachesDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shellcache_worker_stale_caches_deleted_total",
			Help: "Total stale cache stores deleted on activate",
		},
	)

	// StaleCacheDeleteErrors tracks stores that could not be removed
	StaleCacheDeleteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shellcache_worker_stale_cache_delete_errors_total",
			Help: "Total failed stale cache deletions on activate",
		},
	)

	// WriteThroughs tracks background cache writes by outcome
	WriteThroughs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shellcache_worker_write_through_total",
			Help: "Total background cache writes by outcome",
		},
		[]string{"outcome"}, // "ok", "error"
	)

	// BackgroundInflight tracks running background tasks
	BackgroundInflight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shellcache_worker_background_inflight",
			Help: "Background revalidation and write tasks currently running",
		},
	)
)

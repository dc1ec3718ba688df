// Package metrics provides the Prometheus registry and HTTP handler for the
// offline shell worker. All metrics are defined in their respective packages
// (cache, network, precache, worker, registration) to maintain modularity and
// avoid circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by shellcache.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the registry metrics are served from.
var Gatherer = prometheus.DefaultGatherer

// Handler serves every registered metric in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Store Metrics (pkg/cache):
//   - shellcache_store_hits_total{backend} (Counter): Store matches by backend
//   - shellcache_store_misses_total{backend} (Counter): Store lookups that found nothing
//   - shellcache_store_puts_total{backend} (Counter): Responses written
//   - shellcache_store_bytes_written_total{backend} (Counter): Body bytes written
//   - shellcache_store_errors_total{backend, operation} (Counter): Store operation errors
//
// Fetch Metrics (pkg/network):
//   - shellcache_fetch_total{origin, outcome} (Counter): Fetches by origin kind (same, cross) and outcome (2xx..5xx, error)
//   - shellcache_fetch_duration_seconds{origin} (Histogram): Fetch duration
//   - shellcache_fetch_retries_total (Counter): Retry attempts
//   - shellcache_fetch_retry_backoff_seconds (Histogram): Backoff before retries
//   - shellcache_fetch_retry_exhausted_total (Counter): Fetches that exhausted their attempts
//
// Install Metrics (pkg/precache):
//   - shellcache_precache_assets_total{outcome} (Counter): Core asset fetches by outcome
//   - shellcache_precache_duration_seconds (Histogram): Full pre-cache duration
//
// Worker Metrics (pkg/worker):
//   - shellcache_worker_requests_total{strategy, source} (Counter): Fetch events by strategy and response source
//   - shellcache_worker_lifecycle_transitions_total{state} (Counter): State transitions
//   - shellcache_worker_stale_caches_deleted_total (Counter): Stale stores deleted on activate
//   - shellcache_worker_stale_cache_delete_errors_total (Counter): Failed stale store deletions
//   - shellcache_worker_write_through_total{outcome} (Counter): Background cache writes
//   - shellcache_worker_background_inflight (Gauge): Running background tasks
//
// Registration Metrics (pkg/registration):
//   - shellcache_registrations_total{outcome} (Counter): Registrations (activated, waiting, install_failed)
//   - shellcache_clients_connected (Gauge): Connected app instances
//
// Example Prometheus Queries:
//
//   # Offline Hit Rate (responses served without the network)
//   sum(rate(shellcache_worker_requests_total{source=~"cache|shell-fallback"}[5m])) /
//   sum(rate(shellcache_worker_requests_total{strategy!="pass-through"}[5m]))
//
//   # Shell Fallback Rate
//   rate(shellcache_worker_requests_total{source="shell-fallback"}[5m])
//
//   # Failed Installs
//   increase(shellcache_registrations_total{outcome="install_failed"}[1h])
//
//   # P95 Fetch Latency
//   histogram_quantile(0.95, rate(shellcache_fetch_duration_seconds_bucket[5m]))

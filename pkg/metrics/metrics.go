// Package metrics exposes the Prometheus registry the relay's metrics are
// registered with. The metrics themselves are defined in their packages
// (cache, ratelimit, upstream, relay, server) via promauto.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer promauto uses in every relay package.
var Registry = prometheus.DefaultRegisterer

// Gatherer collects what Registry holds.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the collected metrics in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Rate Limit Metrics (pkg/ratelimit):
//   - relay_ratelimit_grants_total (Counter): Upstream slots granted
//   - relay_ratelimit_contention_total{reason} (Counter): Failed attempts, reason "interval" or "conflict"
//   - relay_ratelimit_outcomes_total{phase} (Counter): Finished acquisitions by final phase
//   - relay_ratelimit_wait_seconds (Histogram): Wait before a slot was granted
//
// Cache Metrics (pkg/cache):
//   - relay_cache_hits_total{backend} (Counter): Fresh entries served
//   - relay_cache_misses_total{backend} (Counter): Absent or stale lookups
//   - relay_cache_entries{backend} (Gauge): Entries currently held
//   - relay_cache_evictions_total (Counter): Entries evicted by the capacity bound
//   - relay_cache_errors_total{operation} (Counter): Backend failures
//
// Upstream Metrics (pkg/upstream):
//   - relay_upstream_requests_total{status} (Counter): Upstream exchanges by status
//   - relay_upstream_duration_seconds (Histogram): Upstream exchange duration
//   - relay_upstream_errors_total{class} (Counter): Failures by class (client, server, network)
//
// Relay Metrics (pkg/relay):
//   - relay_requests_total{outcome} (Counter): Requests by outcome ("hit", "miss" or error kind)
//   - relay_request_duration_seconds{source} (Histogram): Duration by source (HIT, MISS)
//   - relay_flights_shared_total (Counter): Misses that joined an in-flight upstream call
//
// Server Metrics (internal/server):
//   - relay_http_requests_total{route, code} (Counter): Inbound HTTP requests
//   - relay_http_throttled_total (Counter): Inbound requests rejected by the per-client throttle
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(relay_requests_total{outcome="hit"}[5m])) /
//   sum(rate(relay_requests_total{outcome=~"hit|miss"}[5m]))
//
//   # Upstream spacing pressure
//   rate(relay_ratelimit_contention_total[5m])
//
//   # Exhausted acquisitions
//   rate(relay_ratelimit_outcomes_total{phase="exhausted"}[5m])
//
//   # P95 slot wait
//   histogram_quantile(0.95, rate(relay_ratelimit_wait_seconds_bucket[5m]))

package metrics

import (
	"sync"
	"sync/atomic"
)

// MetricKey is a strongly typed metric identifier.
type MetricKey string

// Metric keys (centralized)
const (
	// Key-value cache
	CacheSetsTotal          MetricKey = "cache_sets_total"
	CacheGetsTotal          MetricKey = "cache_gets_total"
	CacheHitsTotal          MetricKey = "cache_hits_total"
	CacheMissesTotal        MetricKey = "cache_misses_total"
	CacheExpiredTotal       MetricKey = "cache_expired_total"
	CacheCorruptTotal       MetricKey = "cache_corrupt_total"
	CacheQuotaExceededTotal MetricKey = "cache_quota_exceeded_total"
	CacheWriteFailuresTotal MetricKey = "cache_write_failures_total"

	// Bulk store
	BulkSetsTotal         MetricKey = "bulk_sets_total"
	BulkHitsTotal         MetricKey = "bulk_hits_total"
	BulkMissesTotal       MetricKey = "bulk_misses_total"
	BulkExpiredTotal      MetricKey = "bulk_expired_total"
	BulkUnavailableTotal  MetricKey = "bulk_unavailable_total"
	BulkDeleteErrorsTotal MetricKey = "bulk_delete_errors_total"

	// TTL
	TTLCleanupRunsTotal MetricKey = "ttl_cleanup_runs_total"
	TTLKeysRemovedTotal MetricKey = "ttl_keys_removed_total"

	// Request cache worker
	WorkerRequestsTotal         MetricKey = "worker_requests_total"
	WorkerCacheHitsTotal        MetricKey = "worker_cache_hits_total"
	WorkerCacheStoresTotal      MetricKey = "worker_cache_stores_total"
	WorkerNetworkFailuresTotal  MetricKey = "worker_network_failures_total"
	WorkerOfflineFallbacksTotal MetricKey = "worker_offline_fallbacks_total"
	WorkerPrecachedTotal        MetricKey = "worker_precached_total"
	WorkerCachesDeletedTotal    MetricKey = "worker_caches_deleted_total"

	// Background sync
	SyncQueuedTotal   MetricKey = "sync_queued_total"
	SyncReplayedTotal MetricKey = "sync_replayed_total"
	SyncDroppedTotal  MetricKey = "sync_dropped_total"
	SyncFailuresTotal MetricKey = "sync_failures_total"
	SyncRetriesTotal  MetricKey = "sync_retries_total"

	// Connectivity
	ConnectivityProbesTotal   MetricKey = "connectivity_probes_total"
	ConnectivityFailuresTotal MetricKey = "connectivity_failures_total"
	ConnectivityOffline       MetricKey = "connectivity_offline"
)

// Registry stores all metrics.
type Registry struct {
	mu       sync.RWMutex
	counters map[MetricKey]*int64
}

// NewRegistry creates a metrics registry.
func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[MetricKey]*int64),
	}
}

// Inc increments a metric by 1.
func (r *Registry) Inc(key MetricKey) {
	r.Add(key, 1)
}

// Add increments a metric by delta.
func (r *Registry) Add(key MetricKey, delta int64) {
	atomic.AddInt64(r.counter(key), delta)
}

// Set overwrites a gauge-style metric.
func (r *Registry) Set(key MetricKey, value int64) {
	atomic.StoreInt64(r.counter(key), value)
}

func (r *Registry) counter(key MetricKey) *int64 {
	r.mu.RLock()
	ptr, ok := r.counters[key]
	r.mu.RUnlock()

	if ok {
		return ptr
	}

	// Slow path: metric not yet initialized
	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if ptr, ok = r.counters[key]; ok {
		return ptr
	}

	ptr = new(int64)
	r.counters[key] = ptr
	return ptr
}

package health

import "attendance-cache/internal/metrics"

// RuleResult represents the outcome of a single rule.
type RuleResult struct {
	Triggered      bool
	Signal         string
	Recommendation string
	Severity       Status
}

// Rule evaluates a metrics snapshot.
type Rule func(snapshot map[string]int64) RuleResult

// counterRule triggers when key is above zero.
func counterRule(key metrics.MetricKey, severity Status, signal, recommendation string) Rule {
	return func(snapshot map[string]int64) RuleResult {
		if snapshot[string(key)] <= 0 {
			return RuleResult{}
		}
		return RuleResult{
			Triggered:      true,
			Signal:         signal,
			Recommendation: recommendation,
			Severity:       severity,
		}
	}
}

// ---------- RULES ----------

// Cache writes that failed even after the expiry sweep.
var CacheWriteFailureRule = counterRule(
	metrics.CacheWriteFailuresTotal,
	StatusDegraded,
	"Cache writes are failing",
	"Check the key-value backend quota or lower cached payload sizes",
)

var BulkUnavailableRule = counterRule(
	metrics.BulkUnavailableTotal,
	StatusDegraded,
	"Bulk store unavailable",
	"Check BULK_DB_PATH permissions and disk space",
)

// Offline fallbacks mean clients saw synthesized responses.
var OfflineFallbackRule = counterRule(
	metrics.WorkerOfflineFallbacksTotal,
	StatusDegraded,
	"Offline fallbacks served",
	"Check upstream reachability; consider widening the precache list",
)

var SyncFailureRule = counterRule(
	metrics.SyncFailuresTotal,
	StatusDegraded,
	"Queued submissions failed to replay",
	"Inspect the sync queue and backend error responses",
)

// The gauge is 1 while the backend probe reports offline.
var ConnectivityOfflineRule = counterRule(
	metrics.ConnectivityOffline,
	StatusCritical,
	"Backend is unreachable",
	"Check network connectivity to the backend API",
)

func DefaultRules() []Rule {
	return []Rule{
		CacheWriteFailureRule,
		BulkUnavailableRule,
		OfflineFallbackRule,
		SyncFailureRule,
		ConnectivityOfflineRule,
	}
}

package metrics

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_ValueOfUntouchedKeyIsZero(t *testing.T) {
	r := NewRegistry()

	assert.Equal(t, int64(0), r.Value(SyncReplayedTotal))
	assert.Empty(t, r.Snapshot(), "reading a key does not create it")
}

func TestRegistry_CountersAccumulate(t *testing.T) {
	r := NewRegistry()

	r.Inc(WorkerRequestsTotal)
	r.Inc(WorkerRequestsTotal)
	r.Add(WorkerPrecachedTotal, 11)
	r.Add(WorkerPrecachedTotal, 0)

	assert.Equal(t, int64(2), r.Value(WorkerRequestsTotal))
	assert.Equal(t, int64(11), r.Value(WorkerPrecachedTotal))
}

func TestRegistry_SetOverwritesGauge(t *testing.T) {
	r := NewRegistry()

	r.Set(ConnectivityOffline, 1)
	assert.Equal(t, int64(1), r.Value(ConnectivityOffline))

	r.Set(ConnectivityOffline, 1)
	assert.Equal(t, int64(1), r.Value(ConnectivityOffline), "setting is idempotent")

	r.Set(ConnectivityOffline, 0)
	assert.Equal(t, int64(0), r.Value(ConnectivityOffline))

	snap := r.Snapshot()
	v, ok := snap[string(ConnectivityOffline)]
	assert.True(t, ok, "a gauge set back to zero is still reported")
	assert.Equal(t, int64(0), v)
}

func TestRegistry_SetThenAdd(t *testing.T) {
	r := NewRegistry()

	r.Add(SyncRetriesTotal, 5)
	r.Set(SyncRetriesTotal, 2)
	r.Inc(SyncRetriesTotal)

	assert.Equal(t, int64(3), r.Value(SyncRetriesTotal))
}

func TestRegistry_ConcurrentFirstUse(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	keys := []MetricKey{SyncQueuedTotal, SyncReplayedTotal, SyncDroppedTotal}
	const perKey = 200

	for _, key := range keys {
		for i := 0; i < perKey; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				r.Inc(key)
			}()
		}
	}

	// gauge writers racing the counters must not disturb them
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Set(ConnectivityOffline, 1)
		}()
	}
	wg.Wait()

	for _, key := range keys {
		assert.Equal(t, int64(perKey), r.Value(key), string(key))
	}
	assert.Equal(t, int64(1), r.Value(ConnectivityOffline))
	assert.Len(t, r.Snapshot(), len(keys)+1)
}

func TestRegistry_SnapshotIsolation(t *testing.T) {
	r := NewRegistry()
	r.Inc(CacheHitsTotal)

	snap := r.Snapshot()
	snap[string(CacheHitsTotal)] = 999
	snap["injected"] = 1

	r.Inc(CacheHitsTotal)

	assert.Equal(t, int64(2), r.Value(CacheHitsTotal))
	assert.Equal(t, int64(999), snap[string(CacheHitsTotal)], "old snapshot is not updated")
	assert.NotContains(t, r.Snapshot(), "injected")
}

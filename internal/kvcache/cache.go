// Package kvcache is a versioned, namespaced, TTL-expiring cache of JSON
// payloads over a synchronous key-value backend, with a parallel API over
// a lazily opened bulk store for larger payloads.
package kvcache

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"attendance-cache/internal/logs"
	"attendance-cache/internal/metrics"
	"attendance-cache/internal/storage"
)

// Config controls namespacing and expiry.
type Config struct {
	// Version prefixes every storage key. Changing it orphans old keys.
	Version string
	// DefaultTTL applies to keys missing from TTLs.
	DefaultTTL time.Duration
	// TTLs maps logical keys to their default TTL.
	TTLs map[string]time.Duration
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// DefaultConfig returns version v1 with the standard TTL table.
func DefaultConfig() Config {
	return Config{
		Version:    DefaultVersion,
		DefaultTTL: DefaultTTL,
		TTLs:       DefaultTTLs(),
		Now:        time.Now,
	}
}

// entry is the serialized form held by the synchronous backend.
type entry struct {
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	TTL       int64           `json:"ttl"`
}

func (e entry) expired(nowMs int64) bool {
	return nowMs-e.Timestamp > e.TTL
}

func decodeEntry(raw string) (entry, error) {
	var e entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return entry{}, err
	}
	return e, nil
}

// Stats summarizes the entries under the current version.
type Stats struct {
	Total          int `json:"total"`
	Valid          int `json:"valid"`
	Expired        int `json:"expired"`
	TotalSizeBytes int `json:"totalSizeBytes"`
}

// Cache is safe for concurrent use; ordering per key follows the backend.
type Cache struct {
	backend    storage.KeyValue
	bulk       *bulkConn
	prefix     string
	version    string
	defaultTTL time.Duration
	ttls       map[string]time.Duration
	now        func() time.Time
	logger     *logs.Logger
	metrics    *metrics.Registry

	// background bulk deletes
	bg sync.WaitGroup
}

// New builds a Cache. openBulk may be nil, in which case every bulk
// operation fails with ErrBulkUnavailable.
func New(
	backend storage.KeyValue,
	openBulk BulkOpener,
	cfg Config,
	logger *logs.Logger,
	reg *metrics.Registry,
) *Cache {
	if cfg.Version == "" {
		cfg.Version = DefaultVersion
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.TTLs == nil {
		cfg.TTLs = DefaultTTLs()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	ttls := make(map[string]time.Duration, len(cfg.TTLs))
	for k, v := range cfg.TTLs {
		ttls[k] = v
	}

	return &Cache{
		backend:    backend,
		bulk:       &bulkConn{open: openBulk},
		prefix:     cfg.Version + "_",
		version:    cfg.Version,
		defaultTTL: cfg.DefaultTTL,
		ttls:       ttls,
		now:        cfg.Now,
		logger:     logger,
		metrics:    reg,
	}
}

// Version reports the active namespace version.
func (c *Cache) Version() string {
	return c.version
}

func (c *Cache) nowMs() int64 {
	return c.now().UnixMilli()
}

// Set stores payload under key. ttl <= 0 selects the key's default TTL.
//
// When the backend reports its quota is full, expired entries are swept
// and the write is retried once. Set never panics on storage errors; it
// reports false instead.
func (c *Cache) Set(key string, payload any, ttl time.Duration) bool {
	c.metrics.Inc(metrics.CacheSetsTotal)

	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("cache payload not serializable", "key", key, "err", err)
		c.metrics.Inc(metrics.CacheWriteFailuresTotal)
		return false
	}

	ttl = c.ttlFor(key, ttl)
	raw, err := json.Marshal(entry{Data: data, Timestamp: c.nowMs(), TTL: ttl.Milliseconds()})
	if err != nil {
		c.logger.Error("cache entry not serializable", "key", key, "err", err)
		c.metrics.Inc(metrics.CacheWriteFailuresTotal)
		return false
	}

	storageKey := c.namespaced(key)
	err = c.backend.SetItem(storageKey, string(raw))
	if err == nil {
		c.logger.Debug("cache stored", "key", storageKey, "ttl", ttl.String())
		return true
	}

	if !errors.Is(err, storage.ErrQuotaExceeded) {
		c.logger.Error("cache write failed", "key", storageKey, "err", err)
		c.metrics.Inc(metrics.CacheWriteFailuresTotal)
		return false
	}

	c.metrics.Inc(metrics.CacheQuotaExceededTotal)
	c.logger.Warn("cache quota exceeded, sweeping expired entries", "key", storageKey)
	c.ClearExpired()

	if err := c.backend.SetItem(storageKey, string(raw)); err != nil {
		c.logger.Error("cache write retry failed", "key", storageKey, "err", err)
		c.metrics.Inc(metrics.CacheWriteFailuresTotal)
		return false
	}
	c.logger.Debug("cache stored after sweep", "key", storageKey, "ttl", ttl.String())
	return true
}

// GetRaw returns the stored JSON payload for key.
//
// Missing, expired and unparsable entries are all misses; expired and
// unparsable entries are deleted as they are found.
func (c *Cache) GetRaw(key string) (json.RawMessage, bool) {
	c.metrics.Inc(metrics.CacheGetsTotal)
	storageKey := c.namespaced(key)

	raw, found, err := c.backend.GetItem(storageKey)
	if err != nil {
		c.logger.Warn("cache read failed", "key", storageKey, "err", err)
		c.metrics.Inc(metrics.CacheMissesTotal)
		return nil, false
	}
	if !found {
		c.logger.Debug("cache miss", "key", storageKey)
		c.metrics.Inc(metrics.CacheMissesTotal)
		return nil, false
	}

	e, err := decodeEntry(raw)
	if err != nil {
		c.logger.Warn("cache entry corrupt, removing", "key", storageKey, "err", err)
		c.metrics.Inc(metrics.CacheCorruptTotal)
		c.metrics.Inc(metrics.CacheMissesTotal)
		c.removeQuietly(storageKey)
		return nil, false
	}

	now := c.nowMs()
	if e.expired(now) {
		c.logger.Debug("cache expired", "key", storageKey, "age_ms", now-e.Timestamp)
		c.metrics.Inc(metrics.CacheExpiredTotal)
		c.metrics.Inc(metrics.CacheMissesTotal)
		c.removeQuietly(storageKey)
		return nil, false
	}

	c.metrics.Inc(metrics.CacheHitsTotal)
	c.logger.Debug("cache hit", "key", storageKey, "remaining_ms", e.TTL-(now-e.Timestamp))
	return e.Data, true
}

// Get decodes the payload for key into out. out may be nil to only test
// presence. A payload that does not decode into out is a miss.
func (c *Cache) Get(key string, out any) bool {
	raw, ok := c.GetRaw(key)
	if !ok {
		return false
	}
	if out == nil {
		return true
	}
	if err := json.Unmarshal(raw, out); err != nil {
		c.logger.Warn("cache payload decode failed", "key", c.namespaced(key), "err", err)
		return false
	}
	return true
}

// Remove deletes key unconditionally. Removing a missing key succeeds.
func (c *Cache) Remove(key string) bool {
	storageKey := c.namespaced(key)
	if err := c.backend.RemoveItem(storageKey); err != nil {
		c.logger.Error("cache remove failed", "key", storageKey, "err", err)
		return false
	}
	c.logger.Debug("cache removed", "key", storageKey)
	return true
}

func (c *Cache) removeQuietly(storageKey string) {
	if err := c.backend.RemoveItem(storageKey); err != nil {
		c.logger.Warn("cache remove failed", "key", storageKey, "err", err)
	}
}

// ownedKeys lists the storage keys under the current version.
func (c *Cache) ownedKeys() ([]string, error) {
	keys, err := c.backend.Keys()
	if err != nil {
		return nil, err
	}
	owned := keys[:0:0]
	for _, k := range keys {
		if c.owns(k) {
			owned = append(owned, k)
		}
	}
	return owned, nil
}

// ClearExpired removes expired and unparsable entries under the current
// version and returns how many were removed.
func (c *Cache) ClearExpired() int {
	keys, err := c.ownedKeys()
	if err != nil {
		c.logger.Error("cache sweep failed", "err", err)
		return 0
	}

	now := c.nowMs()
	removed := 0
	for _, k := range keys {
		raw, found, err := c.backend.GetItem(k)
		if err != nil || !found {
			continue
		}
		e, err := decodeEntry(raw)
		if err != nil || e.expired(now) {
			if err := c.backend.RemoveItem(k); err != nil {
				c.logger.Warn("cache sweep remove failed", "key", k, "err", err)
				continue
			}
			removed++
		}
	}

	if removed > 0 {
		c.metrics.Add(metrics.CacheExpiredTotal, int64(removed))
	}
	c.logger.Info("cache sweep finished", "removed", removed)
	return removed
}

// ClearAll removes every entry under the current version.
func (c *Cache) ClearAll() int {
	keys, err := c.ownedKeys()
	if err != nil {
		c.logger.Error("cache clear failed", "err", err)
		return 0
	}

	removed := 0
	for _, k := range keys {
		if err := c.backend.RemoveItem(k); err != nil {
			c.logger.Warn("cache clear remove failed", "key", k, "err", err)
			continue
		}
		removed++
	}
	c.logger.Info("cache cleared", "removed", removed)
	return removed
}

// Stats classifies entries under the current version. Unparsable entries
// count as expired. It does not modify the backend.
func (c *Cache) Stats() (Stats, error) {
	keys, err := c.ownedKeys()
	if err != nil {
		return Stats{}, err
	}

	now := c.nowMs()
	stats := Stats{Total: len(keys)}
	for _, k := range keys {
		raw, found, err := c.backend.GetItem(k)
		if err != nil || !found {
			stats.Expired++
			continue
		}
		stats.TotalSizeBytes += len(raw)

		e, err := decodeEntry(raw)
		if err != nil || e.expired(now) {
			stats.Expired++
			continue
		}
		stats.Valid++
	}
	return stats, nil
}

// InvalidateForLocationSave drops entries made stale by saving a new location.
func (c *Cache) InvalidateForLocationSave() {
	c.Remove(KeyLocation)
}

// InvalidateForAttendance drops entries made stale by recording attendance.
func (c *Cache) InvalidateForAttendance() {
	c.Remove(KeyMembers)
	c.Remove(KeyTodayAttendance)
}

// Wait blocks until background bulk deletes have finished.
func (c *Cache) Wait() {
	c.bg.Wait()
}

package kvcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"attendance-cache/internal/metrics"
	"attendance-cache/internal/storage"
)

// ErrBulkUnavailable is returned when the bulk store cannot be opened.
var ErrBulkUnavailable = errors.New("kvcache: bulk store unavailable")

// BulkStore is the record store behind the *Large operations.
type BulkStore interface {
	PutRecord(ctx context.Context, rec storage.Record) error
	GetRecord(ctx context.Context, key string) (storage.Record, bool, error)
	DeleteRecord(ctx context.Context, key string) error
}

// BulkOpener opens the bulk store. It is called on first use and again
// after a failed attempt, never after a successful one.
type BulkOpener func(ctx context.Context) (BulkStore, error)

// bulkConn memoizes the single shared bulk store connection.
type bulkConn struct {
	mu    sync.Mutex
	open  BulkOpener
	store BulkStore
}

func (b *bulkConn) get(ctx context.Context) (BulkStore, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.store != nil {
		return b.store, nil
	}
	if b.open == nil {
		return nil, ErrBulkUnavailable
	}
	store, err := b.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBulkUnavailable, err)
	}
	b.store = store
	return store, nil
}

func (c *Cache) bulkStore(ctx context.Context) (BulkStore, error) {
	store, err := c.bulk.get(ctx)
	if err != nil {
		c.metrics.Inc(metrics.BulkUnavailableTotal)
		c.logger.Error("bulk store unavailable", "err", err)
		return nil, err
	}
	return store, nil
}

// SetLarge stores payload in the bulk store. ttl <= 0 selects the key's
// default TTL.
func (c *Cache) SetLarge(ctx context.Context, key string, payload any, ttl time.Duration) error {
	store, err := c.bulkStore(ctx)
	if err != nil {
		return err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload for %s: %w", key, err)
	}

	ttl = c.ttlFor(key, ttl)
	rec := storage.Record{
		Key:       c.namespaced(key),
		Data:      data,
		Timestamp: c.nowMs(),
		TTL:       ttl.Milliseconds(),
	}
	if err := store.PutRecord(ctx, rec); err != nil {
		c.logger.Error("bulk write failed", "key", rec.Key, "err", err)
		return fmt.Errorf("set large %s: %w", key, err)
	}

	c.metrics.Inc(metrics.BulkSetsTotal)
	c.logger.Debug("bulk stored", "key", rec.Key, "ttl", ttl.String())
	return nil
}

// GetLargeRaw returns the stored JSON payload for key from the bulk store.
//
// An expired record is a miss and is deleted in the background; the
// outcome of that delete never affects the result.
func (c *Cache) GetLargeRaw(ctx context.Context, key string) (json.RawMessage, bool, error) {
	store, err := c.bulkStore(ctx)
	if err != nil {
		return nil, false, err
	}

	storageKey := c.namespaced(key)
	rec, found, err := store.GetRecord(ctx, storageKey)
	if err != nil {
		c.logger.Error("bulk read failed", "key", storageKey, "err", err)
		return nil, false, fmt.Errorf("get large %s: %w", key, err)
	}
	if !found {
		c.metrics.Inc(metrics.BulkMissesTotal)
		c.logger.Debug("bulk miss", "key", storageKey)
		return nil, false, nil
	}

	if now := c.nowMs(); now-rec.Timestamp > rec.TTL {
		c.metrics.Inc(metrics.BulkExpiredTotal)
		c.metrics.Inc(metrics.BulkMissesTotal)
		c.logger.Debug("bulk expired", "key", storageKey, "age_ms", now-rec.Timestamp)
		c.deleteInBackground(context.WithoutCancel(ctx), store, storageKey)
		return nil, false, nil
	}

	c.metrics.Inc(metrics.BulkHitsTotal)
	return rec.Data, true, nil
}

// GetLarge decodes the bulk payload for key into out.
func (c *Cache) GetLarge(ctx context.Context, key string, out any) (bool, error) {
	raw, ok, err := c.GetLargeRaw(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if out == nil {
		return true, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode payload for %s: %w", key, err)
	}
	return true, nil
}

// RemoveLarge deletes key from the bulk store.
func (c *Cache) RemoveLarge(ctx context.Context, key string) error {
	store, err := c.bulkStore(ctx)
	if err != nil {
		return err
	}
	storageKey := c.namespaced(key)
	if err := store.DeleteRecord(ctx, storageKey); err != nil {
		c.logger.Error("bulk remove failed", "key", storageKey, "err", err)
		return fmt.Errorf("remove large %s: %w", key, err)
	}
	c.logger.Debug("bulk removed", "key", storageKey)
	return nil
}

func (c *Cache) deleteInBackground(ctx context.Context, store BulkStore, storageKey string) {
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		if err := store.DeleteRecord(ctx, storageKey); err != nil {
			c.metrics.Inc(metrics.BulkDeleteErrorsTotal)
			c.logger.Warn("bulk expired delete failed", "key", storageKey, "err", err)
		}
	}()
}

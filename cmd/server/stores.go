package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"attendance-cache/internal/config"
	"attendance-cache/internal/kvcache"
	"attendance-cache/internal/storage"
	"attendance-cache/internal/storage/bolt"
	"attendance-cache/internal/storage/memory"
	"attendance-cache/internal/storage/sqlite"
)

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// openKeyValue returns the synchronous backend and a close func.
func openKeyValue(cfg config.Config) (storage.KeyValue, func() error, error) {
	switch cfg.KVBackend {
	case config.BackendBolt:
		if err := ensureDir(cfg.KVPath); err != nil {
			return nil, nil, fmt.Errorf("create kv dir: %w", err)
		}
		store, err := bolt.Open(cfg.KVPath, cfg.KVQuotaBytes)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return memory.NewStore(cfg.KVQuotaBytes), func() error { return nil }, nil
	}
}

// lazyBulk opens the bulk sqlite store on first use and remembers it so it
// can be closed on shutdown.
type lazyBulk struct {
	path  string
	mu    sync.Mutex
	store *sqlite.Store
}

func (l *lazyBulk) Open(ctx context.Context) (kvcache.BulkStore, error) {
	if err := ensureDir(l.path); err != nil {
		return nil, fmt.Errorf("create bulk dir: %w", err)
	}
	store, err := sqlite.Open(ctx, l.path)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.store = store
	l.mu.Unlock()
	return store, nil
}

func (l *lazyBulk) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.store == nil {
		return nil
	}
	return l.store.Close()
}

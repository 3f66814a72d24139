// Package memory provides in-process implementations of the storage
// contracts. Store stands in for a browser's localStorage: a small,
// quota-bounded string map.
package memory

import (
	"fmt"
	"sort"
	"sync"

	"attendance-cache/internal/storage"
)

// DefaultQuota mirrors the typical per-origin localStorage allowance.
const DefaultQuota = 5 * 1024 * 1024

// Store is a concurrency-safe string map with a byte quota.
// Usage is the sum of len(key)+len(value) over all items.
type Store struct {
	mu    sync.RWMutex
	items map[string]string
	used  int
	quota int
}

// NewStore creates a Store. quota <= 0 disables the limit.
func NewStore(quota int) *Store {
	return &Store{
		items: make(map[string]string),
		quota: quota,
	}
}

func (s *Store) GetItem(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.items[key]
	return v, ok, nil
}

func (s *Store) SetItem(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.used + len(key) + len(value)
	if old, ok := s.items[key]; ok {
		next -= len(key) + len(old)
	}
	if s.quota > 0 && next > s.quota {
		return fmt.Errorf("set %q (%d/%d bytes): %w", key, next, s.quota, storage.ErrQuotaExceeded)
	}

	s.items[key] = value
	s.used = next
	return nil
}

func (s *Store) RemoveItem(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.items[key]; ok {
		s.used -= len(key) + len(old)
		delete(s.items, key)
	}
	return nil
}

func (s *Store) Keys() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Used reports the bytes currently consumed.
func (s *Store) Used() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.used
}

package memory

import (
	"context"
	"sort"
	"sync"

	"attendance-cache/internal/storage"
)

// CacheStorage keeps named response caches in memory.
type CacheStorage struct {
	mu     sync.Mutex
	caches map[string]*ResponseCache
}

// NewCacheStorage returns an empty CacheStorage.
func NewCacheStorage() *CacheStorage {
	return &CacheStorage{caches: make(map[string]*ResponseCache)}
}

func (s *CacheStorage) Open(_ context.Context, name string) (storage.ResponseCache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.caches[name]
	if !ok {
		c = &ResponseCache{entries: make(map[string]storage.CachedResponse)}
		s.caches[name] = c
	}
	return c, nil
}

func (s *CacheStorage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.caches[name]
	delete(s.caches, name)
	return ok, nil
}

func (s *CacheStorage) Keys(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.caches))
	for name := range s.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// ResponseCache is one named in-memory response cache.
type ResponseCache struct {
	mu      sync.RWMutex
	entries map[string]storage.CachedResponse
}

func (c *ResponseCache) Match(_ context.Context, key string) (storage.CachedResponse, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	resp, ok := c.entries[key]
	return resp, ok, nil
}

// Put overwrites any previous entry for key.
func (c *ResponseCache) Put(_ context.Context, key string, resp storage.CachedResponse) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = resp
	return nil
}

func (c *ResponseCache) Delete(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.entries[key]
	delete(c.entries, key)
	return ok, nil
}

// Len reports the number of stored responses.
func (c *ResponseCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

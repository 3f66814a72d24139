package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"attendance-cache/internal/storage"
)

// ResponseCaches returns a storage.CacheStorage backed by this store.
func (s *Store) ResponseCaches() *CacheStorage {
	return &CacheStorage{store: s}
}

// CacheStorage persists named HTTP response caches.
type CacheStorage struct {
	store *Store
}

func (c *CacheStorage) Open(ctx context.Context, name string) (storage.ResponseCache, error) {
	if err := c.store.ready(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("cache name is required")
	}
	if _, err := c.store.sqlDB.ExecContext(ctx,
		`INSERT OR IGNORE INTO response_caches (name, created_at) VALUES (?, ?)`,
		name, c.store.now().UTC().UnixMilli(),
	); err != nil {
		return nil, fmt.Errorf("open response cache: %w", err)
	}
	return &ResponseCache{store: c.store, name: name}, nil
}

func (c *CacheStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := c.store.ready(); err != nil {
		return false, err
	}

	tx, err := c.store.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin delete response cache: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM response_cache_entries WHERE cache_name = ?`, name); err != nil {
		return false, fmt.Errorf("delete response cache entries: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM response_caches WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete response cache: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete response cache: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete response cache: %w", err)
	}
	return n > 0, nil
}

func (c *CacheStorage) Keys(ctx context.Context) ([]string, error) {
	if err := c.store.ready(); err != nil {
		return nil, err
	}

	rows, err := c.store.sqlDB.QueryContext(ctx, `SELECT name FROM response_caches ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list response caches: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan response cache: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list response caches: %w", err)
	}
	return names, nil
}

// ResponseCache is one named cache inside the store.
type ResponseCache struct {
	store *Store
	name  string
}

func (r *ResponseCache) Match(ctx context.Context, key string) (storage.CachedResponse, bool, error) {
	var (
		resp       storage.CachedResponse
		headerJSON string
		storedAt   int64
	)
	err := r.store.sqlDB.QueryRowContext(ctx,
		`SELECT status, header_json, body, stored_at
		 FROM response_cache_entries
		 WHERE cache_name = ? AND request_key = ?`,
		r.name, key,
	).Scan(&resp.StatusCode, &headerJSON, &resp.Body, &storedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.CachedResponse{}, false, nil
		}
		return storage.CachedResponse{}, false, fmt.Errorf("match response: %w", err)
	}

	resp.Header = make(http.Header)
	if err := json.Unmarshal([]byte(headerJSON), &resp.Header); err != nil {
		return storage.CachedResponse{}, false, fmt.Errorf("decode response header: %w", err)
	}
	resp.StoredAt = time.UnixMilli(storedAt).UTC()
	return resp, true, nil
}

func (r *ResponseCache) Put(ctx context.Context, key string, resp storage.CachedResponse) error {
	headerJSON, err := json.Marshal(resp.Header)
	if err != nil {
		return fmt.Errorf("encode response header: %w", err)
	}
	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = r.store.now()
	}
	body := resp.Body
	if body == nil {
		body = []byte{}
	}

	_, err = r.store.sqlDB.ExecContext(ctx,
		`INSERT INTO response_cache_entries (cache_name, request_key, status, header_json, body, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(cache_name, request_key) DO UPDATE SET
		    status = excluded.status,
		    header_json = excluded.header_json,
		    body = excluded.body,
		    stored_at = excluded.stored_at`,
		r.name, key, resp.StatusCode, string(headerJSON), body, storedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put response: %w", err)
	}
	return nil
}

func (r *ResponseCache) Delete(ctx context.Context, key string) (bool, error) {
	res, err := r.store.sqlDB.ExecContext(ctx,
		`DELETE FROM response_cache_entries WHERE cache_name = ? AND request_key = ?`, r.name, key)
	if err != nil {
		return false, fmt.Errorf("delete response: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete response: %w", err)
	}
	return n > 0, nil
}

// Package bolt provides a file-backed synchronous key-value store on bbolt.
package bolt

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"attendance-cache/internal/storage"

	"go.etcd.io/bbolt"
)

const kvBucket = "kv"

// Store persists string items in a single bbolt bucket and enforces an
// optional byte quota over len(key)+len(value) of all items.
type Store struct {
	db    *bbolt.DB
	quota int
}

// Open opens or creates the database at path. quota <= 0 disables the limit.
func Open(path string, quota int) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(kvBucket))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}

	return &Store{db: db, quota: quota}, nil
}

// Close releases the database file.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) GetItem(key string) (string, bool, error) {
	var (
		value string
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket([]byte(kvBucket)).Get([]byte(key))
		if raw != nil {
			value = string(raw)
			found = true
		}
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("get item: %w", err)
	}
	return value, found, nil
}

func (s *Store) SetItem(key, value string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(kvBucket))

		if s.quota > 0 {
			used := 0
			if err := bucket.ForEach(func(k, v []byte) error {
				if string(k) != key {
					used += len(k) + len(v)
				}
				return nil
			}); err != nil {
				return err
			}
			if next := used + len(key) + len(value); next > s.quota {
				return fmt.Errorf("set %q (%d/%d bytes): %w", key, next, s.quota, storage.ErrQuotaExceeded)
			}
		}

		return bucket.Put([]byte(key), []byte(value))
	})
	if err != nil {
		if errors.Is(err, storage.ErrQuotaExceeded) {
			return err
		}
		return fmt.Errorf("set item: %w", err)
	}
	return nil
}

func (s *Store) RemoveItem(key string) error {
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(kvBucket)).Delete([]byte(key))
	}); err != nil {
		return fmt.Errorf("remove item: %w", err)
	}
	return nil
}

func (s *Store) Keys() ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(kvBucket)).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return keys, nil
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"attendance-cache/internal/storage"
)

// PutRecord upserts a bulk cache record by key.
func (s *Store) PutRecord(ctx context.Context, rec storage.Record) error {
	if err := s.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(rec.Key) == "" {
		return fmt.Errorf("record key is required")
	}
	data := []byte(rec.Data)
	if len(data) == 0 {
		data = []byte("null")
	}

	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO cache_records (key, data, timestamp, ttl) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		    data = excluded.data,
		    timestamp = excluded.timestamp,
		    ttl = excluded.ttl`,
		rec.Key, data, rec.Timestamp, rec.TTL,
	)
	if err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	return nil
}

// GetRecord loads a bulk cache record by key.
func (s *Store) GetRecord(ctx context.Context, key string) (storage.Record, bool, error) {
	if err := s.ready(); err != nil {
		return storage.Record{}, false, err
	}

	var (
		rec  storage.Record
		data []byte
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT key, data, timestamp, ttl FROM cache_records WHERE key = ?`, key,
	).Scan(&rec.Key, &data, &rec.Timestamp, &rec.TTL)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Record{}, false, nil
		}
		return storage.Record{}, false, fmt.Errorf("get record: %w", err)
	}
	rec.Data = data
	return rec, true, nil
}

// DeleteRecord removes a bulk cache record. Missing keys are not an error.
func (s *Store) DeleteRecord(ctx context.Context, key string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM cache_records WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

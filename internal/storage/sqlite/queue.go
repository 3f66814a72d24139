package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"attendance-cache/internal/storage"
)

// Enqueue stores a submission for later replay. Submissions are unique by
// idempotency key; enqueuing the same key twice keeps the first row.
func (s *Store) Enqueue(ctx context.Context, sub storage.Submission) (storage.Submission, error) {
	if err := s.ready(); err != nil {
		return storage.Submission{}, err
	}
	if strings.TrimSpace(sub.IdempotencyKey) == "" {
		return storage.Submission{}, fmt.Errorf("idempotency key is required")
	}
	if strings.TrimSpace(sub.URL) == "" {
		return storage.Submission{}, fmt.Errorf("submission url is required")
	}
	if sub.Method == "" {
		sub.Method = http.MethodPost
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = s.now().UTC()
	}
	headerJSON, err := json.Marshal(sub.Header)
	if err != nil {
		return storage.Submission{}, fmt.Errorf("encode submission header: %w", err)
	}
	body := sub.Body
	if body == nil {
		body = []byte{}
	}

	if _, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO sync_queue (idempotency_key, method, url, header_json, body, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(idempotency_key) DO NOTHING`,
		sub.IdempotencyKey, sub.Method, sub.URL, string(headerJSON), body, sub.CreatedAt.UnixMilli(),
	); err != nil {
		return storage.Submission{}, fmt.Errorf("enqueue submission: %w", err)
	}

	if err := s.sqlDB.QueryRowContext(ctx,
		`SELECT id FROM sync_queue WHERE idempotency_key = ?`, sub.IdempotencyKey,
	).Scan(&sub.ID); err != nil {
		return storage.Submission{}, fmt.Errorf("load enqueued submission: %w", err)
	}
	return sub, nil
}

// Pending returns queued submissions oldest first. limit <= 0 returns all.
func (s *Store) Pending(ctx context.Context, limit int) ([]storage.Submission, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, idempotency_key, method, url, header_json, body, attempts, last_error, created_at
		 FROM sync_queue
		 ORDER BY id
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending submissions: %w", err)
	}
	defer rows.Close()

	var out []storage.Submission
	for rows.Next() {
		var (
			sub        storage.Submission
			headerJSON string
			createdAt  int64
		)
		if err := rows.Scan(
			&sub.ID,
			&sub.IdempotencyKey,
			&sub.Method,
			&sub.URL,
			&headerJSON,
			&sub.Body,
			&sub.Attempts,
			&sub.LastError,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		if err := json.Unmarshal([]byte(headerJSON), &sub.Header); err != nil {
			return nil, fmt.Errorf("decode submission header: %w", err)
		}
		sub.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pending submissions: %w", err)
	}
	return out, nil
}

// Remove deletes a delivered or rejected submission.
func (s *Store) Remove(ctx context.Context, id int64) error {
	if err := s.ready(); err != nil {
		return err
	}
	res, err := s.sqlDB.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove submission: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("remove submission %d: %w", id, storage.ErrNotFound)
	}
	return nil
}

// MarkAttempt records a failed delivery attempt.
func (s *Store) MarkAttempt(ctx context.Context, id int64, cause string) error {
	if err := s.ready(); err != nil {
		return err
	}
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE sync_queue SET attempts = attempts + 1, last_error = ? WHERE id = ?`, cause, id)
	if err != nil {
		return fmt.Errorf("mark submission attempt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark submission %d: %w", id, storage.ErrNotFound)
	}
	return nil
}
